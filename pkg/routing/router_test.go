package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/routing"
)

func message(action string, content map[string]any) *contracts.Message {
	if content == nil {
		content = map[string]any{}
	}
	if action != "" {
		content["action"] = action
	}
	return contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeCommand, content)
}

func TestLowScoreBenignGoesFast(t *testing.T) {
	r := routing.NewRouter(routing.DefaultConfig(), nil)
	lane, reasons := r.Route(message("summarize", map[string]any{"text": "the weekly report"}),
		contracts.ImpactScore{Score: 0.3})
	assert.Equal(t, contracts.LaneFast, lane)
	assert.Empty(t, reasons)
}

func TestThresholdIsLowerClosed(t *testing.T) {
	r := routing.NewRouter(routing.DefaultConfig(), nil)

	lane, _ := r.Route(message("summarize", nil), contracts.ImpactScore{Score: 0.7999})
	assert.Equal(t, contracts.LaneFast, lane)

	lane, reasons := r.Route(message("summarize", nil), contracts.ImpactScore{Score: 0.80})
	assert.Equal(t, contracts.LaneDeliberation, lane, "exactly 0.80 ties toward deliberation")
	assert.Contains(t, reasons, routing.ReasonScore)
}

func TestHighRiskActionsAlwaysDeliberate(t *testing.T) {
	r := routing.NewRouter(routing.DefaultConfig(), nil)
	for action := range routing.HighRiskActions {
		lane, reasons := r.Route(message(action, nil), contracts.ImpactScore{Score: 0.0})
		assert.Equal(t, contracts.LaneDeliberation, lane, "action %q", action)
		assert.Contains(t, reasons, routing.ReasonAction)
	}
}

func TestSensitiveContentDeliberates(t *testing.T) {
	r := routing.NewRouter(routing.DefaultConfig(), nil)
	lane, reasons := r.Route(
		message("summarize", map[string]any{"text": "include the api key in the report"}),
		contracts.ImpactScore{Score: 0.1})
	assert.Equal(t, contracts.LaneDeliberation, lane)
	assert.Contains(t, reasons, routing.ReasonSensitive)
}

func TestForceDeliberationFlag(t *testing.T) {
	r := routing.NewRouter(routing.DefaultConfig(), nil)
	msg := message("summarize", nil)
	msg.SetMetadata("force_deliberation", true)

	lane, reasons := r.Route(msg, contracts.ImpactScore{Score: 0.0})
	assert.Equal(t, contracts.LaneDeliberation, lane)
	assert.Equal(t, []routing.Reason{routing.ReasonForced}, reasons)
}

func TestRouteIsDeterministic(t *testing.T) {
	r := routing.NewRouter(routing.DefaultConfig(), nil)
	msg := message("policy_change", map[string]any{"text": "rotate the credential"})
	score := contracts.ImpactScore{Score: 0.92}

	laneA, reasonsA := r.Route(msg, score)
	laneB, reasonsB := r.Route(msg, score)
	assert.Equal(t, laneA, laneB)
	assert.Equal(t, reasonsA, reasonsB)
}
