package contracts

import "time"

// BreakerState is the three-state fault-isolation FSM around a
// dependency.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// HealthScore maps a breaker state to a component health contribution.
func (s BreakerState) HealthScore() float64 {
	switch s {
	case BreakerClosed:
		return 1.0
	case BreakerHalfOpen:
		return 0.5
	default:
		return 0.0
	}
}

// HealthSnapshot is a point-in-time weighted fold of breaker states,
// produced on state change and distributed to subscribers best-effort.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type HealthSnapshot struct {
	Timestamp       time.Time          `json:"timestamp"`
	GlobalScore     float64            `json:"global_score"` // [0,1]
	ComponentScores map[string]float64 `json:"component_scores"`
	OpenBreakers    []string           `json:"open_breakers,omitempty"`
	AuditDrops      uint64             `json:"audit_drops,omitempty"`
	MeteringDrops   uint64             `json:"metering_drops,omitempty"`
}
