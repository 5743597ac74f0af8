package policy_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/policy"
)

// newOPAServer returns an httptest server speaking the OPA data API.
func newOPAServer(t *testing.T, allow bool, violations []string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Input *policy.Request `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.Input)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"allow": allow, "violations": violations},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testRequest() *policy.Request {
	return &policy.Request{
		Principal: "exec-1",
		Role:      "executive",
		Action:    "PROPOSE",
		Resource:  "jud-1",
		TenantID:  "tenant-a",
		Input:     map[string]any{"task": "summarize"},
	}
}

func TestOPAEngineAllow(t *testing.T) {
	srv, _ := newOPAServer(t, true, nil)
	engine := policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL})

	result, err := engine.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, result.Decision)
	assert.Empty(t, result.Violations)
}

func TestOPAEngineDenyCarriesViolations(t *testing.T) {
	srv, _ := newOPAServer(t, false, []string{"cross_tenant_write"})
	engine := policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL})

	result, err := engine.Evaluate(context.Background(), testRequest())
	require.NoError(t, err, "a deny is a verdict, not an evaluation failure")
	assert.Equal(t, contracts.DecisionDeny, result.Decision)
	assert.Equal(t, []string{"cross_tenant_write"}, result.Violations)
}

func TestOPAEngineTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	engine := policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL})

	_, err := engine.Evaluate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestCELEngineDefaultRules(t *testing.T) {
	engine, err := policy.NewCELEngine(nil)
	require.NoError(t, err)

	result, err := engine.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, result.Decision)

	migration := testRequest()
	migration.Action = "tenant_migration"
	result, err = engine.Evaluate(context.Background(), migration)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, result.Decision)
	assert.Contains(t, result.Violations, "no_cross_tenant_commands")
}

func TestCELEngineCustomRules(t *testing.T) {
	engine, err := policy.NewCELEngine([]policy.Rule{
		{Name: "no_shutdown", Expr: `action != "shutdown"`},
	})
	require.NoError(t, err)

	req := testRequest()
	req.Action = "shutdown"
	result, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"no_shutdown"}, result.Violations)
}

func TestCELEngineCompileErrorIsEvaluationFailure(t *testing.T) {
	engine, err := policy.NewCELEngine([]policy.Rule{{Name: "broken", Expr: `action !!=`}})
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestClientCachesDecisions(t *testing.T) {
	srv, calls := newOPAServer(t, true, nil)
	client := policy.NewClient(policy.DefaultClientConfig(), policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	first, err := client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load(), "second evaluation served from cache")
	assert.Equal(t, first.InputFingerprint, second.InputFingerprint)
	hits, misses := client.CacheStats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestClientCacheExpiry(t *testing.T) {
	srv, calls := newOPAServer(t, true, nil)
	cfg := policy.DefaultClientConfig()
	cfg.CacheTTL = time.Minute

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := policy.NewClient(cfg, policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil).
		WithClock(func() time.Time { return now })

	_, err := client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "expired entry re-evaluated")
}

func TestClientCoalescesConcurrentMisses(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"allow": true}})
	}))
	t.Cleanup(srv.Close)
	client := policy.NewClient(policy.DefaultClientConfig(), policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := client.Evaluate(context.Background(), testRequest())
			assert.NoError(t, err)
			assert.Equal(t, contracts.DecisionAllow, decision.Decision)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "identical in-flight requests share one engine call")
}

func TestClientFailClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	client := policy.NewClient(policy.DefaultClientConfig(), policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	decision, err := client.Evaluate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.ErrPolicyUnavailable, contracts.KindOf(err))
	assert.Equal(t, contracts.DecisionDeny, decision.Decision)
}

func TestClientFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	cfg := policy.DefaultClientConfig()
	cfg.FailClosed = false
	client := policy.NewClient(cfg, policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	decision, err := client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, decision.Decision)
	assert.Equal(t, true, decision.Metadata["policy_unavailable"])
}

func TestClientRetriesOnceOnTransientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"allow": true}})
	}))
	t.Cleanup(srv.Close)
	client := policy.NewClient(policy.DefaultClientConfig(), policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	decision, err := client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, decision.Decision)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClientBreakerOpensOnRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	client := policy.NewClient(policy.DefaultClientConfig(), policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	// Each Evaluate records up to two breaker failures (call + retry);
	// five consecutive failures open it.
	for i := 0; i < 3; i++ {
		req := testRequest()
		req.Action = "a" + string(rune('0'+i)) // distinct fingerprints
		_, err := client.Evaluate(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, contracts.BreakerOpen, client.Breaker().State())

	// Fail fast now, still fail-closed.
	decision, err := client.Evaluate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.ErrPolicyUnavailable, contracts.KindOf(err))
	assert.Equal(t, contracts.DecisionDeny, decision.Decision)
}

func TestFingerprintStable(t *testing.T) {
	a, err := policy.Fingerprint(testRequest())
	require.NoError(t, err)
	b, err := policy.Fingerprint(testRequest())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := testRequest()
	other.Action = "VALIDATE"
	c, err := policy.Fingerprint(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestClientCancelledContext(t *testing.T) {
	srv, _ := newOPAServer(t, true, nil)
	client := policy.NewClient(policy.DefaultClientConfig(), policy.NewOPAEngine(policy.OPAConfig{URL: srv.URL}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Evaluate(ctx, testRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.ErrCancelled, contracts.KindOf(err))
	assert.False(t, errors.Is(err, context.Canceled), "sanitized into a bus error")
}
