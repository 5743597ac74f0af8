package contracts

import "time"

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// PolicyDecision is a cached, never-mutated policy outcome keyed by the
// fingerprint of its canonicalized input.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PolicyDecision struct {
	InputFingerprint string         `json:"input_fingerprint"`
	Decision         Decision       `json:"decision"`
	Violations       []string       `json:"violations,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	EvaluatedAt      time.Time      `json:"evaluated_at"`
	TTL              time.Duration  `json:"ttl"`
}

// Expired reports whether the decision is past its TTL at now.
func (d *PolicyDecision) Expired(now time.Time) bool {
	return now.After(d.EvaluatedAt.Add(d.TTL))
}

// ImpactComponents are the scored signals combined into the final score.
type ImpactComponents struct {
	Semantic   float64 `json:"semantic"`
	Permission float64 `json:"permission"`
	Drift      float64 `json:"drift"`
}

// ImpactScore is the governance risk estimate for a message, produced
// once and never mutated.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ImpactScore struct {
	MessageID  string             `json:"message_id"`
	Score      float64            `json:"score"` // clamped to [0,1]
	Components ImpactComponents   `json:"components"`
	Extra      map[string]float64 `json:"extra,omitempty"` // configured additional factors
	Confidence float64            `json:"confidence"`
}
