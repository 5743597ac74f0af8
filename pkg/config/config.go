// Package config loads the bus configuration from a YAML file with
// environment variable overrides. Precedence: defaults, then file, then
// environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// DefaultConstitutionalHash is the canonical hash used when none is
// configured.
const DefaultConstitutionalHash = "cdd01ef066bc6cf2"

// BreakerConfig shapes the circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures to OPEN
	SuccessThreshold int           `yaml:"success_threshold"` // trial successes to CLOSE
	BaseCooldown     time.Duration `yaml:"base_cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// CacheConfig tunes the policy decision cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// TimeoutConfig holds the pipeline stage budgets. HITL bounds a single
// human review; the multi-vote deliberation band gets twice it.
type TimeoutConfig struct {
	Policy   time.Duration `yaml:"policy"`
	Score    time.Duration `yaml:"score"`
	HITL     time.Duration `yaml:"hitl"`
	Shutdown time.Duration `yaml:"shutdown"`
}

// PolicyConfig selects and addresses the policy engine.
type PolicyConfig struct {
	Engine       string `yaml:"engine"` // "cel" or "opa"
	OPAURL       string `yaml:"opa_url"`
	DecisionPath string `yaml:"decision_path"`
}

// ImpactConfig selects the semantic scoring backend.
type ImpactConfig struct {
	Model          string `yaml:"model"` // "heuristic" or "anthropic"
	AnthropicModel string `yaml:"anthropic_model"`
	AnthropicKey   string `yaml:"anthropic_key"`
}

// AuditConfig configures the audit queue and its sinks.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditConfig struct {
	Sinks       []string `yaml:"sinks"` // jsonl, postgres, s3, gcs
	QueueSize   int      `yaml:"queue_size"`
	JSONLPath   string   `yaml:"jsonl_path"`
	PostgresURL string   `yaml:"postgres_url"`
	S3Bucket    string   `yaml:"s3_bucket"`
	S3Region    string   `yaml:"s3_region"`
	S3Endpoint  string   `yaml:"s3_endpoint"`
	GCSBucket   string   `yaml:"gcs_bucket"`
	Prefix      string   `yaml:"prefix"`
}

// MeteringConfig configures usage metering.
type MeteringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	QueueSize   int    `yaml:"queue_size"`
	PostgresURL string `yaml:"postgres_url"`
}

// BusConfig tunes delivery.
type BusConfig struct {
	InboxCapacity  int    `yaml:"inbox_capacity"`
	DeadLetterPath string `yaml:"dead_letter_path"`
	RedisAddr      string `yaml:"redis_addr"` // optional shared limiter store
}

// DeliberationConfig tunes the review layer.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type DeliberationConfig struct {
	StorePath     string `yaml:"store_path"`
	RequiredVotes int    `yaml:"required_votes"`
	TotalCritics  int    `yaml:"total_critics"`
	JudicialVeto  bool   `yaml:"judicial_veto"`
	ReviewerKey   string `yaml:"reviewer_key"` // HMAC key for reviewer tokens
}

// ChaosConfig arms the fault injector.
type ChaosConfig struct {
	Profile string `yaml:"profile"` // path to a profile YAML; empty = disarmed
}

// ObservabilityConfig configures OTLP export.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Config is the full configuration surface.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	Mode               string  `yaml:"mode"` // development | staging | production
	LogLevel           string  `yaml:"log_level"`
	ListenAddr         string  `yaml:"listen_addr"`
	ConstitutionalHash string  `yaml:"constitutional_hash"`
	StrictRoleMode     bool    `yaml:"strict_role_mode"`
	DefaultRole        string  `yaml:"default_role"` // loose mode only
	FailClosed         bool    `yaml:"fail_closed"`
	ImpactThreshold    float64 `yaml:"impact_threshold"`
	HITLThreshold      float64 `yaml:"hitl_threshold"`
	MultiVoteThreshold float64 `yaml:"multi_vote_threshold"`

	Breaker       BreakerConfig       `yaml:"breaker"`
	Cache         CacheConfig         `yaml:"cache"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Policy        PolicyConfig        `yaml:"policy"`
	Impact        ImpactConfig        `yaml:"impact"`
	Audit         AuditConfig         `yaml:"audit"`
	Metering      MeteringConfig      `yaml:"metering"`
	Bus           BusConfig           `yaml:"bus"`
	Deliberation  DeliberationConfig  `yaml:"deliberation"`
	Chaos         ChaosConfig         `yaml:"chaos"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the recommended production-shape defaults.
func Default() *Config {
	return &Config{
		Mode:               "development",
		LogLevel:           "INFO",
		ListenAddr:         ":8080",
		ConstitutionalHash: DefaultConstitutionalHash,
		StrictRoleMode:     true,
		DefaultRole:        "executive",
		FailClosed:         true,
		ImpactThreshold:    0.80,
		HITLThreshold:      0.90,
		MultiVoteThreshold: 0.95,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			BaseCooldown:     time.Second,
			MaxCooldown:      30 * time.Second,
		},
		Cache: CacheConfig{Size: 10000, TTL: 60 * time.Second},
		Timeouts: TimeoutConfig{
			Policy:   50 * time.Millisecond,
			Score:    100 * time.Millisecond,
			HITL:     300 * time.Second,
			Shutdown: 30 * time.Second,
		},
		Policy:       PolicyConfig{Engine: "cel"},
		Impact:       ImpactConfig{Model: "heuristic", AnthropicModel: "claude-3-5-haiku-latest"},
		Audit:        AuditConfig{Sinks: []string{"jsonl"}, QueueSize: 8192},
		Metering:     MeteringConfig{Enabled: true, QueueSize: 16384},
		Bus:          BusConfig{InboxCapacity: 256, DeadLetterPath: "agentbus-deadletter.db"},
		Deliberation: DeliberationConfig{StorePath: "agentbus-deliberation.db", RequiredVotes: 3, TotalCritics: 5, JudicialVeto: true},
		Observability: ObservabilityConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("AGENTBUS_MODE", &c.Mode)
	envStr("AGENTBUS_LOG_LEVEL", &c.LogLevel)
	envStr("AGENTBUS_LISTEN_ADDR", &c.ListenAddr)
	envStr("AGENTBUS_CONSTITUTIONAL_HASH", &c.ConstitutionalHash)
	envBool("AGENTBUS_STRICT_ROLE_MODE", &c.StrictRoleMode)
	envBool("AGENTBUS_FAIL_CLOSED", &c.FailClosed)
	envFloat("AGENTBUS_IMPACT_THRESHOLD", &c.ImpactThreshold)
	envFloat("AGENTBUS_HITL_THRESHOLD", &c.HITLThreshold)
	envFloat("AGENTBUS_MULTI_VOTE_THRESHOLD", &c.MultiVoteThreshold)
	envStr("AGENTBUS_POLICY_ENGINE", &c.Policy.Engine)
	envStr("AGENTBUS_OPA_URL", &c.Policy.OPAURL)
	envStr("AGENTBUS_IMPACT_MODEL", &c.Impact.Model)
	envStr("AGENTBUS_ANTHROPIC_MODEL", &c.Impact.AnthropicModel)
	envStr("AGENTBUS_ANTHROPIC_API_KEY", &c.Impact.AnthropicKey)
	envStr("AGENTBUS_AUDIT_POSTGRES_URL", &c.Audit.PostgresURL)
	envStr("AGENTBUS_METERING_POSTGRES_URL", &c.Metering.PostgresURL)
	envStr("AGENTBUS_REDIS_ADDR", &c.Bus.RedisAddr)
	envStr("AGENTBUS_CHAOS_PROFILE", &c.Chaos.Profile)
	envStr("AGENTBUS_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	envBool("AGENTBUS_OBSERVABILITY_ENABLED", &c.Observability.Enabled)
	envStr("AGENTBUS_REVIEWER_KEY", &c.Deliberation.ReviewerKey)
}

// Validate rejects configurations the daemon must not start with.
func (c *Config) Validate() error {
	if !hashPattern.MatchString(c.ConstitutionalHash) {
		return fmt.Errorf("config: constitutional_hash must be 16 lowercase hex chars")
	}
	switch c.Mode {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.ImpactThreshold <= 0 || c.ImpactThreshold > 1 {
		return fmt.Errorf("config: impact_threshold %v outside (0,1]", c.ImpactThreshold)
	}
	if c.HITLThreshold < c.ImpactThreshold || c.MultiVoteThreshold < c.HITLThreshold {
		return fmt.Errorf("config: thresholds must satisfy impact <= hitl <= multi_vote")
	}
	if c.MultiVoteThreshold > 1 {
		return fmt.Errorf("config: multi_vote_threshold %v outside (0,1]", c.MultiVoteThreshold)
	}
	if c.Chaos.Profile != "" && c.Mode == "production" {
		return fmt.Errorf("config: chaos.profile is disallowed in production mode")
	}
	switch c.Policy.Engine {
	case "cel":
	case "opa":
		if c.Policy.OPAURL == "" {
			return fmt.Errorf("config: policy.opa_url is required for the opa engine")
		}
	default:
		return fmt.Errorf("config: unknown policy engine %q", c.Policy.Engine)
	}
	switch c.Impact.Model {
	case "heuristic":
	case "anthropic":
		if c.Impact.AnthropicKey == "" {
			return fmt.Errorf("config: impact.anthropic_key is required for the anthropic model")
		}
	default:
		return fmt.Errorf("config: unknown impact model %q", c.Impact.Model)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
