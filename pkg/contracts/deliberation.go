package contracts

import "time"

// DeliberationState is the monotone item lifecycle:
// pending → in_review → {approved | rejected | timeout}.
type DeliberationState string

const (
	DeliberationPending  DeliberationState = "pending"
	DeliberationInReview DeliberationState = "in_review"
	DeliberationApproved DeliberationState = "approved"
	DeliberationRejected DeliberationState = "rejected"
	DeliberationTimeout  DeliberationState = "timeout"
)

// Terminal reports whether the state admits no further transitions.
func (s DeliberationState) Terminal() bool {
	return s == DeliberationApproved || s == DeliberationRejected || s == DeliberationTimeout
}

// stateRank orders states along the monotone lifecycle.
func (s DeliberationState) stateRank() int {
	switch s {
	case DeliberationPending:
		return 0
	case DeliberationInReview:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next respects
// monotonicity.
func (s DeliberationState) CanTransition(next DeliberationState) bool {
	if s.Terminal() {
		return false
	}
	return next.stateRank() > s.stateRank() ||
		(s == DeliberationPending && next == DeliberationInReview)
}

// VoteChoice is a critic agent's vote.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// AgentVote is one critic's signed vote. At most one per agent; a
// re-vote while the item is still pending replaces the prior vote.
type AgentVote struct {
	AgentID   string     `json:"agent_id"`
	Role      Role       `json:"role"`
	Vote      VoteChoice `json:"vote"`
	Signature string     `json:"signature"`
	CastAt    time.Time  `json:"cast_at"`
}

// HumanReview is one reviewer's HITL decision. Repeated callbacks for
// the same reviewer collapse to one.
type HumanReview struct {
	ReviewerID string    `json:"reviewer_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// DeliberationItem is a message parked for review. Durable: persisted
// as schema-versioned JSON until resolved.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type DeliberationItem struct {
	SchemaVersion string               `json:"schema_version"`
	ItemID        string               `json:"item_id"`
	MessageID     string               `json:"message_id"`
	Message       *Message             `json:"message"`
	ImpactScore   ImpactScore          `json:"impact_score"`
	Priority      Priority             `json:"priority"`
	RequiredVotes int                  `json:"required_votes"`
	RequireHITL   bool                 `json:"require_hitl"`
	RequireVote   bool                 `json:"require_vote"`
	Votes         map[string]AgentVote `json:"votes,omitempty"` // keyed by agent_id
	HumanReviews  []HumanReview        `json:"human_reviews,omitempty"`
	State         DeliberationState    `json:"state"`
	EnqueuedAt    time.Time            `json:"enqueued_at"`
	Deadline      time.Time            `json:"deadline"`
	ResolvedAt    time.Time            `json:"resolved_at,omitzero"`
}
