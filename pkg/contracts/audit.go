package contracts

import "time"

// Lane is the routing outcome for a message.
type Lane string

const (
	LaneFast         Lane = "fast"
	LaneDeliberation Lane = "deliberation"
)

// AuditSeverity classifies audit entries. Role violations are recorded
// at elevated severity.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditElevated AuditSeverity = "elevated"
)

// AuditEntry is the compact tamper-evident record emitted for every
// processed message, accepted or rejected. It is owned by the audit
// queue until delivered; after a successful anchor it belongs to the
// external sink. Every entry carries the constitutional hash and the
// policy fingerprint.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditEntry struct {
	EntryID            string        `json:"entry_id"`
	MessageID          string        `json:"message_id"`
	TenantID           string        `json:"tenant_id,omitempty"`
	Decision           string        `json:"decision"` // delivered | queued_for_deliberation | rejected
	ErrorKind          ErrorKind     `json:"error_kind,omitempty"`
	PolicyFingerprint  string        `json:"policy_fingerprint,omitempty"`
	Score              float64       `json:"score"`
	RoutingLane        Lane          `json:"routing_lane,omitempty"`
	VotesDigest        string        `json:"votes_digest,omitempty"`
	ConstitutionalHash string        `json:"constitutional_hash"`
	Severity           AuditSeverity `json:"severity"`
	Tags               []string      `json:"tags,omitempty"` // e.g. fail_open_allow, cancelled_late
	AnchoredAt         time.Time     `json:"anchored_at,omitzero"`
	CreatedAt          time.Time     `json:"created_at"`
}
