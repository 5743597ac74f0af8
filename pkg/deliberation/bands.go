// Package deliberation parks high-impact messages for review: a tiered
// FIFO queue with durable sqlite persistence, multi-agent voting with
// Judicial veto, and human-in-the-loop approval callbacks.
package deliberation

import (
	"time"

	"github.com/acgs-platform/agentbus/pkg/routing"
)

// DefaultHITLDeadline bounds how long a human review may stay open; the
// multi-vote band gets twice this.
const DefaultHITLDeadline = 300 * time.Second

// Band describes the review regime a score falls into.
type Band struct {
	RequireHITL   bool
	RequireVote   bool
	RequiredVotes int
	Deadline      time.Duration
}

// Thresholds are the score boundaries between review regimes. All
// boundaries are lower-closed: a score equal to the threshold lands in
// the stricter band.
type Thresholds struct {
	HITL      float64 // default 0.90
	MultiVote float64 // default 0.95
}

// DefaultThresholds returns the standard boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{HITL: 0.90, MultiVote: 0.95}
}

// BandFor maps a score to its review band. requiredVotes applies only
// to the multi-vote band; lower bands resolve on a single approval.
// highRisk forces the multi-vote band: a high-risk action needs a human
// and a quorum even when its heuristic score is low. hitlDeadline is
// the single-review budget; the multi-vote band gets twice as long.
func BandFor(score float64, t Thresholds, requiredVotes int, highRisk bool, hitlDeadline time.Duration) Band {
	if requiredVotes <= 0 {
		requiredVotes = 3
	}
	if hitlDeadline <= 0 {
		hitlDeadline = DefaultHITLDeadline
	}
	switch {
	case highRisk || score >= t.MultiVote:
		return Band{RequireHITL: true, RequireVote: true, RequiredVotes: requiredVotes, Deadline: 2 * hitlDeadline}
	case score >= t.HITL:
		return Band{RequireHITL: true, RequiredVotes: 1, Deadline: hitlDeadline}
	default:
		return Band{RequiredVotes: 1, Deadline: hitlDeadline}
	}
}

// highRiskRouted reports whether any routing reason marks the message
// as a high-risk action.
func highRiskRouted(reasons []routing.Reason) bool {
	for _, r := range reasons {
		if r == routing.ReasonAction {
			return true
		}
	}
	return false
}
