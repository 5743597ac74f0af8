package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.DefaultConstitutionalHash, cfg.ConstitutionalHash)
	assert.True(t, cfg.StrictRoleMode)
	assert.True(t, cfg.FailClosed)
	assert.Equal(t, 0.80, cfg.ImpactThreshold)
	assert.Equal(t, 0.90, cfg.HITLThreshold)
	assert.Equal(t, 0.95, cfg.MultiVoteThreshold)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.MaxCooldown)
	assert.Equal(t, 10000, cfg.Cache.Size)
	assert.Equal(t, 50*time.Millisecond, cfg.Timeouts.Policy)
	assert.Equal(t, 300*time.Second, cfg.Timeouts.HITL)
	assert.Equal(t, "cel", cfg.Policy.Engine)
	assert.Equal(t, "heuristic", cfg.Impact.Model)
}

func TestYAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: staging
constitutional_hash: aaaabbbbccccdddd
fail_closed: false
impact_threshold: 0.70
hitl_threshold: 0.85
multi_vote_threshold: 0.92
cache:
  size: 500
  ttl: 10s
timeouts:
  hitl: 120s
policy:
  engine: opa
  opa_url: http://opa:8181
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Mode)
	assert.Equal(t, "aaaabbbbccccdddd", cfg.ConstitutionalHash)
	assert.False(t, cfg.FailClosed)
	assert.Equal(t, 0.70, cfg.ImpactThreshold)
	assert.Equal(t, 500, cfg.Cache.Size)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.HITL)
	assert.Equal(t, "http://opa:8181", cfg.Policy.OPAURL)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTBUS_IMPACT_THRESHOLD", "0.75")
	t.Setenv("AGENTBUS_FAIL_CLOSED", "false")
	t.Setenv("AGENTBUS_CONSTITUTIONAL_HASH", "0123456789abcdef")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.ImpactThreshold)
	assert.False(t, cfg.FailClosed)
	assert.Equal(t, "0123456789abcdef", cfg.ConstitutionalHash)
}

func TestValidateRejectsBadHash(t *testing.T) {
	cfg := config.Default()
	cfg.ConstitutionalHash = "NOT-A-HASH"
	require.Error(t, cfg.Validate())

	cfg.ConstitutionalHash = "abcd" // too short
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsChaosInProduction(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "production"
	cfg.Chaos.Profile = "drill.yaml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "production")

	cfg.Chaos.Profile = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := config.Default()
	cfg.HITLThreshold = 0.5 // below impact threshold
	require.Error(t, cfg.Validate())
}

func TestValidateAnthropicModelNeedsKey(t *testing.T) {
	cfg := config.Default()
	cfg.Impact.Model = "anthropic"
	require.Error(t, cfg.Validate())

	cfg.Impact.AnthropicKey = "sk-test"
	require.NoError(t, cfg.Validate())

	cfg.Impact.Model = "markov-chain"
	require.Error(t, cfg.Validate())
}

func TestValidateOPANeedsURL(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.Engine = "opa"
	require.Error(t, cfg.Validate())

	cfg.Policy.OPAURL = "http://opa:8181"
	require.NoError(t, cfg.Validate())
}
