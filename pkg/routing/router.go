// Package routing decides which lane a message takes: the fast lane or
// the deliberation lane. The decision is a pure function of the message,
// its impact score, and configuration; ties break toward deliberation.
package routing

import (
	"strings"

	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/impact"
)

// HighRiskActions always route to deliberation regardless of score.
var HighRiskActions = map[string]bool{
	"constitutional_update":       true,
	"policy_change":               true,
	"agent_termination":           true,
	"security_override":           true,
	"audit_log_access":            true,
	"system_configuration_change": true,
	"credential_rotation":         true,
	"tenant_migration":            true,
}

// Reason explains a deliberation routing for audit tags.
type Reason string

const (
	ReasonScore     Reason = "impact_score"
	ReasonAction    Reason = "high_risk_action"
	ReasonSensitive Reason = "sensitive_content"
	ReasonForced    Reason = "force_deliberation"
)

// Config tunes the router.
type Config struct {
	// ImpactThreshold is the fast/deliberation boundary; a score equal
	// to it routes to deliberation. Default 0.80.
	ImpactThreshold float64
	// HighRiskActions overrides the built-in always-deliberate set.
	HighRiskActions map[string]bool
}

// DefaultConfig returns the standard routing boundaries.
func DefaultConfig() Config {
	return Config{ImpactThreshold: 0.80, HighRiskActions: HighRiskActions}
}

// Router maps scored messages to lanes. Stateless and safe for
// concurrent use.
type Router struct {
	cfg      Config
	detector *impact.Detector
}

// NewRouter creates a router sharing the scorer's sensitive-content
// detector so keyword configuration stays in one place.
func NewRouter(cfg Config, detector *impact.Detector) *Router {
	if cfg.ImpactThreshold <= 0 {
		cfg.ImpactThreshold = 0.80
	}
	if cfg.HighRiskActions == nil {
		cfg.HighRiskActions = HighRiskActions
	}
	if detector == nil {
		detector = impact.NewDetector(nil)
	}
	return &Router{cfg: cfg, detector: detector}
}

// Route returns the lane for a scored message, and the reasons when the
// lane is deliberation.
func (r *Router) Route(msg *contracts.Message, score contracts.ImpactScore) (contracts.Lane, []Reason) {
	var reasons []Reason
	if score.Score >= r.cfg.ImpactThreshold {
		reasons = append(reasons, ReasonScore)
	}
	if r.cfg.HighRiskActions[strings.ToLower(msg.Action())] {
		reasons = append(reasons, ReasonAction)
	}
	if r.detector.Sensitive(impact.ContentText(msg)) {
		reasons = append(reasons, ReasonSensitive)
	}
	if msg.ForceDeliberation() {
		reasons = append(reasons, ReasonForced)
	}
	if len(reasons) > 0 {
		return contracts.LaneDeliberation, reasons
	}
	return contracts.LaneFast, nil
}
