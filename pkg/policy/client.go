package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/acgs-platform/agentbus/pkg/canonicalize"
	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/resilience"
)

// ClientConfig tunes the policy client.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ClientConfig struct {
	// FailClosed denies on engine unavailability. When false, requests
	// are allowed with a policy_unavailable warning in the decision
	// metadata.
	FailClosed bool
	// CacheSize bounds the decision cache. Default: 10000 entries.
	CacheSize int
	// CacheTTL expires cached decisions. Default: 60s.
	CacheTTL time.Duration
	// Timeout bounds a single evaluation attempt. Default: 5s.
	Timeout time.Duration
}

// DefaultClientConfig returns fail-closed defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		FailClosed: true,
		CacheSize:  defaultCacheSize,
		CacheTTL:   defaultCacheTTL,
		Timeout:    5 * time.Second,
	}
}

// Client fronts a policy engine with caching, request coalescing, a
// circuit breaker, and one retry on transient failure. Safe for
// concurrent use.
type Client struct {
	cfg     ClientConfig
	engine  Engine
	breaker *resilience.Breaker
	cache   *decisionCache
	group   singleflight.Group
	logger  *slog.Logger
	clock   func() time.Time
}

// NewClient wraps the engine. breaker may be nil, in which case a
// default breaker named after the engine is created.
func NewClient(cfg ClientConfig, engine Engine, breaker *resilience.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if breaker == nil {
		breaker = resilience.NewBreaker("policy_"+engine.Name(), resilience.DefaultBreakerConfig())
	}
	return &Client{
		cfg:     cfg,
		engine:  engine,
		breaker: breaker,
		cache:   newDecisionCache(cfg.CacheSize, cfg.CacheTTL),
		logger:  slog.Default().With("component", "policy_client"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	c.cache.clock = clock
	return c
}

// Breaker exposes the engine breaker for health registration.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// CacheStats returns cumulative cache hit and miss counts.
func (c *Client) CacheStats() (hits, misses uint64) { return c.cache.Stats() }

// Fingerprint returns the canonical JCS hash of the request, the cache
// key and audit reference for the evaluation.
func Fingerprint(req *Request) (string, error) {
	return canonicalize.CanonicalHash(req)
}

// Evaluate returns the policy decision for the request. Identical
// requests within the TTL are served from cache; concurrent misses for
// the same fingerprint are coalesced into one engine call. Engine
// unavailability follows the configured fail posture: fail-closed
// yields a deny plus a PolicyUnavailable error, fail-open yields an
// allow whose metadata carries the policy_unavailable warning.
func (c *Client) Evaluate(ctx context.Context, req *Request) (contracts.PolicyDecision, error) {
	fingerprint, err := Fingerprint(req)
	if err != nil {
		return contracts.PolicyDecision{}, contracts.NewBusError(contracts.ErrInternal,
			"policy input not canonicalizable: %v", err)
	}

	if decision, ok := c.cache.Get(fingerprint); ok {
		return decision, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		return c.evaluateUncached(ctx, fingerprint, req)
	})
	if err != nil {
		return c.fallback(ctx, fingerprint, err)
	}
	return v.(contracts.PolicyDecision), nil
}

// evaluateUncached calls the engine through the breaker, retrying once
// on transient failure, and caches the verdict.
func (c *Client) evaluateUncached(ctx context.Context, fingerprint string, req *Request) (contracts.PolicyDecision, error) {
	var result *Result
	call := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		var err error
		result, err = c.engine.Evaluate(attemptCtx, req)
		return err
	}

	err := c.breaker.Call(ctx, call)
	if err != nil && transient(err) {
		c.logger.WarnContext(ctx, "policy evaluation failed, retrying once",
			"engine", c.engine.Name(), "error", err)
		err = c.breaker.Call(ctx, call)
	}
	if err != nil {
		return contracts.PolicyDecision{}, err
	}

	decision := contracts.PolicyDecision{
		InputFingerprint: fingerprint,
		Decision:         result.Decision,
		Violations:       result.Violations,
		Metadata:         result.Metadata,
		EvaluatedAt:      c.clock(),
		TTL:              c.cfg.CacheTTL,
	}
	c.cache.Put(decision)
	return decision, nil
}

// fallback produces the unavailability verdict. Fallback decisions are
// never cached; the next request probes the engine again.
func (c *Client) fallback(ctx context.Context, fingerprint string, cause error) (contracts.PolicyDecision, error) {
	if errors.Is(cause, context.Canceled) {
		return contracts.PolicyDecision{}, contracts.NewBusError(contracts.ErrCancelled,
			"policy evaluation cancelled")
	}

	decision := contracts.PolicyDecision{
		InputFingerprint: fingerprint,
		EvaluatedAt:      c.clock(),
		Metadata: map[string]any{
			"engine":             c.engine.Name(),
			"policy_unavailable": true,
		},
	}
	if c.cfg.FailClosed {
		decision.Decision = contracts.DecisionDeny
		decision.Violations = []string{"policy engine unavailable"}
		return decision, contracts.NewBusError(contracts.ErrPolicyUnavailable,
			"policy engine %q unavailable: %v", c.engine.Name(), cause)
	}

	c.logger.WarnContext(ctx, "policy engine unavailable, failing open",
		"engine", c.engine.Name(), "error", cause)
	decision.Decision = contracts.DecisionAllow
	return decision, nil
}

// transient reports whether the error is worth one immediate retry. An
// open breaker or caller cancellation is not.
func transient(err error) bool {
	switch contracts.KindOf(err) {
	case contracts.ErrBreakerOpen, contracts.ErrCancelled:
		return false
	}
	return !errors.Is(err, context.Canceled)
}
