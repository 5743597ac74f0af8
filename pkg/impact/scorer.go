// Package impact produces a scalar governance-risk score in [0,1] for
// each message by combining semantic, permission, and drift signals.
//
// The semantic signal may come from an external model; the scorer
// bounds that call with a timeout and falls back to a deterministic
// neutral score (0.5, confidence 0) so routing stays predictable under
// model outages. Scoring is idempotent for identical content under the
// same model version.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Component weights. Remaining weight headroom is reserved for
// configured extra factors; the effective sum never exceeds 1.
const (
	defaultSemanticWeight   = 0.30
	defaultPermissionWeight = 0.20
	defaultDriftWeight      = 0.15

	// A very high semantic signal floors the final score regardless of
	// the other components.
	defaultHighSemanticBoost = 0.8

	fallbackScore      = 0.5
	defaultDriftWindow = 20
)

// SemanticModel scores the governance risk of raw text in [0,1].
// Implementations may call external models; the scorer enforces the
// timeout.
type SemanticModel interface {
	Score(ctx context.Context, text string) (float64, error)
	Version() string
}

// Factor is a configured additional scoring component.
type Factor struct {
	Name   string
	Weight float64
	Fn     func(msg *contracts.Message) float64
}

// Config tunes the scorer.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	SemanticWeight    float64
	PermissionWeight  float64
	DriftWeight       float64
	HighSemanticBoost float64
	ExtraFactors      []Factor
	Timeout           time.Duration
	DriftWindow       int
}

// DefaultConfig returns the standard weight allocation.
func DefaultConfig() Config {
	return Config{
		SemanticWeight:    defaultSemanticWeight,
		PermissionWeight:  defaultPermissionWeight,
		DriftWeight:       defaultDriftWeight,
		HighSemanticBoost: defaultHighSemanticBoost,
		Timeout:           100 * time.Millisecond,
		DriftWindow:       defaultDriftWindow,
	}
}

// Validate rejects weight allocations exceeding 1.0.
func (c Config) Validate() error {
	sum := c.SemanticWeight + c.PermissionWeight + c.DriftWeight
	for _, f := range c.ExtraFactors {
		sum += f.Weight
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("impact: component weights sum to %.3f, must not exceed 1.0", sum)
	}
	return nil
}

// Scorer computes impact scores. Safe for concurrent use.
type Scorer struct {
	cfg      Config
	model    SemanticModel
	detector *Detector
	logger   *slog.Logger

	mu    sync.Mutex
	drift map[string][]float64 // agent_id → recent semantic scores
}

// NewScorer creates a scorer. model may be nil, in which case the
// keyword heuristic is used for the semantic component.
func NewScorer(cfg Config, model SemanticModel, detector *Detector) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = defaultDriftWindow
	}
	if detector == nil {
		detector = NewDetector(nil)
	}
	if model == nil {
		model = &HeuristicModel{Detector: detector}
	}
	return &Scorer{
		cfg:      cfg,
		model:    model,
		detector: detector,
		drift:    make(map[string][]float64),
		logger:   slog.Default().With("component", "impact_scorer"),
	}, nil
}

// Detector exposes the sensitive-content detector so the router can
// share the same keyword configuration.
func (s *Scorer) Detector() *Detector { return s.detector }

// Score computes the impact score for a message. On semantic-model
// timeout it returns the neutral fallback (0.5, confidence 0) together
// with a ScoreTimeout error; callers treat that error as non-fatal.
func (s *Scorer) Score(ctx context.Context, msg *contracts.Message) (contracts.ImpactScore, error) {
	text := ContentText(msg)

	semantic, semErr := s.scoreSemantic(ctx, text)
	if semErr != nil {
		s.logger.WarnContext(ctx, "semantic model unavailable, applying fallback score",
			"message_id", msg.MessageID, "error", semErr)
		return contracts.ImpactScore{
			MessageID:  msg.MessageID,
			Score:      fallbackScore,
			Components: contracts.ImpactComponents{Semantic: fallbackScore},
			Confidence: 0.0,
		}, contracts.NewBusError(contracts.ErrScoreTimeout, "semantic scoring timed out: %v", semErr)
	}

	permission := s.scorePermission(msg)
	drift := s.observeDrift(msg.FromAgent, semantic)

	score := s.cfg.SemanticWeight*semantic +
		s.cfg.PermissionWeight*permission +
		s.cfg.DriftWeight*drift

	extra := make(map[string]float64, len(s.cfg.ExtraFactors))
	for _, f := range s.cfg.ExtraFactors {
		v := clamp01(f.Fn(msg))
		extra[f.Name] = v
		score += f.Weight * v
	}

	if semantic >= 0.8 && score < s.cfg.HighSemanticBoost {
		score = s.cfg.HighSemanticBoost
	}
	score = clamp01(score)

	result := contracts.ImpactScore{
		MessageID: msg.MessageID,
		Score:     score,
		Components: contracts.ImpactComponents{
			Semantic:   semantic,
			Permission: permission,
			Drift:      drift,
		},
		Confidence: 1.0,
	}
	if len(extra) > 0 {
		result.Extra = extra
	}
	return result, nil
}

func (s *Scorer) scoreSemantic(ctx context.Context, text string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type outcome struct {
		score float64
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := s.model.Score(ctx, text)
		ch <- outcome{score: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return 0, out.err
		}
		return clamp01(out.score), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// scorePermission estimates risk from what the message is trying to do,
// independent of its wording.
func (s *Scorer) scorePermission(msg *contracts.Message) float64 {
	score := 0.2 // baseline for any bus traffic

	switch msg.MessageType {
	case contracts.MessageTypeCommand, contracts.MessageTypeTaskRequest:
		score = 0.4
	case contracts.MessageTypeGovernanceRequest, contracts.MessageTypeConstitutionalValidation:
		score = 0.6
	case contracts.MessageTypeQuery, contracts.MessageTypeHeartbeat:
		score = 0.1
	}

	switch strings.ToLower(msg.Action()) {
	case "delete", "modify", "execute", "deploy", "shutdown":
		score += 0.3
	case "constitutional_update", "policy_change", "security_override",
		"agent_termination", "credential_rotation":
		score += 0.4
	}

	if msg.Priority == contracts.PriorityCritical {
		score += 0.1
	}
	return clamp01(score)
}

// observeDrift records the semantic score in the agent's sliding window
// and returns how far it deviates from the agent's recent behavior.
func (s *Scorer) observeDrift(agentID string, semantic float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.drift[agentID]
	var drift float64
	if len(window) > 0 {
		var sum float64
		for _, v := range window {
			sum += v
		}
		avg := sum / float64(len(window))
		drift = clamp01(abs(semantic-avg) * 2.0)
	}

	window = append(window, semantic)
	if len(window) > s.cfg.DriftWindow {
		window = window[len(window)-s.cfg.DriftWindow:]
	}
	s.drift[agentID] = window
	return drift
}

// ContentText flattens a message's content into scoreable text with
// stable key ordering, so identical content always produces identical
// input to the model.
func ContentText(msg *contracts.Message) string {
	if len(msg.Content) == 0 {
		return ""
	}
	keys := make([]string, 0, len(msg.Content))
	for k := range msg.Content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if s, ok := msg.Content[k].(string); ok {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

// HeuristicModel is the default keyword-based semantic model, used when
// no external model is configured or as an outage fallback.
type HeuristicModel struct {
	Detector *Detector
}

// Score rates text by sensitive-category hits: 0.3 per category, so a
// single category lands below the deliberation threshold while
// multi-category content climbs toward it.
func (h *HeuristicModel) Score(_ context.Context, text string) (float64, error) {
	hits := h.Detector.Match(text)
	return clamp01(float64(len(hits)) * 0.3), nil
}

// Version identifies the heuristic lexicon build.
func (h *HeuristicModel) Version() string { return "heuristic-v1" }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
