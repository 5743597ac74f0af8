package impact

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const scoringPrompt = `You are a governance risk classifier for an agent message bus.
Rate the governance risk of the following message content on a scale
from 0.0 (benign) to 1.0 (critical constitutional impact). Respond with
only the number.

Content:
%s`

// AnthropicModel scores semantic risk with a Claude model. The scorer's
// timeout bounds the call; on any transport or parse failure the caller
// falls back to the neutral score.
type AnthropicModel struct {
	client    anthropic.Client
	modelName string
	maxTokens int64
}

// NewAnthropicModel creates an LLM-backed semantic model. Extra request
// options are forwarded to the client, so callers can redirect it at an
// alternate endpoint.
func NewAnthropicModel(apiKey, modelName string, opts ...option.RequestOption) *AnthropicModel {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicModel{
		client:    anthropic.NewClient(opts...),
		modelName: modelName,
		maxTokens: 16,
	}
}

// Score asks the model for a scalar risk rating.
func (m *AnthropicModel) Score(ctx context.Context, text string) (float64, error) {
	resp, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(scoringPrompt, text))),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("impact: anthropic call failed: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		raw := strings.TrimSpace(block.Text)
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("impact: model returned non-numeric rating %q", raw)
		}
		return clamp01(score), nil
	}
	return 0, fmt.Errorf("impact: model response contained no text block")
}

// Version identifies the backing model for idempotence bookkeeping.
func (m *AnthropicModel) Version() string { return "anthropic:" + m.modelName }
