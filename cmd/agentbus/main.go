// Command agentbus runs the governed message bus daemon: it wires the
// processing pipeline, the deliberation layer, the resilience
// subsystem, and the fire-and-forget audit/metering queues, then serves
// until SIGINT/SIGTERM and drains gracefully.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/acgs-platform/agentbus/pkg/api"
	"github.com/acgs-platform/agentbus/pkg/audit"
	"github.com/acgs-platform/agentbus/pkg/bus"
	"github.com/acgs-platform/agentbus/pkg/chaos"
	"github.com/acgs-platform/agentbus/pkg/config"
	"github.com/acgs-platform/agentbus/pkg/constitution"
	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/deliberation"
	"github.com/acgs-platform/agentbus/pkg/impact"
	"github.com/acgs-platform/agentbus/pkg/maci"
	"github.com/acgs-platform/agentbus/pkg/metering"
	"github.com/acgs-platform/agentbus/pkg/observability"
	"github.com/acgs-platform/agentbus/pkg/policy"
	"github.com/acgs-platform/agentbus/pkg/processor"
	"github.com/acgs-platform/agentbus/pkg/resilience"
	"github.com/acgs-platform/agentbus/pkg/routing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("agentbus exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentbus",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Mode,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Mode != "production",
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	validator, err := constitution.NewValidator(cfg.ConstitutionalHash)
	if err != nil {
		return err
	}
	registry := maci.NewRegistry(maci.Config{
		Strict:      cfg.StrictRoleMode,
		DefaultRole: contracts.Role(cfg.DefaultRole),
	})

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		BaseCooldown:     cfg.Breaker.BaseCooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	policyBreaker := resilience.NewBreaker("policy_"+engine.Name(), breakerCfg)
	policyClient := policy.NewClient(policy.ClientConfig{
		FailClosed: cfg.FailClosed,
		CacheSize:  cfg.Cache.Size,
		CacheTTL:   cfg.Cache.TTL,
		Timeout:    cfg.Timeouts.Policy,
	}, engine, policyBreaker)

	scorerCfg := impact.DefaultConfig()
	scorerCfg.Timeout = cfg.Timeouts.Score
	var model impact.SemanticModel
	if cfg.Impact.Model == "anthropic" {
		model = impact.NewAnthropicModel(cfg.Impact.AnthropicKey, cfg.Impact.AnthropicModel)
	}
	scorer, err := impact.NewScorer(scorerCfg, model, nil)
	if err != nil {
		return err
	}
	router := routing.NewRouter(routing.Config{ImpactThreshold: cfg.ImpactThreshold}, scorer.Detector())

	delibStore, err := deliberation.NewSQLiteStore(cfg.Deliberation.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = delibStore.Close() }()
	manager := deliberation.NewManager(deliberation.Config{
		Thresholds: deliberation.Thresholds{
			HITL:      cfg.HITLThreshold,
			MultiVote: cfg.MultiVoteThreshold,
		},
		RequiredVotes: cfg.Deliberation.RequiredVotes,
		TotalCritics:  cfg.Deliberation.TotalCritics,
		JudicialVeto:  cfg.Deliberation.JudicialVeto,
		HITLDeadline:  cfg.Timeouts.HITL,
	}, delibStore, nil, registry.RoleOf)

	deadLetters, err := bus.NewSQLiteDeadLetterStore(cfg.Bus.DeadLetterPath)
	if err != nil {
		return err
	}
	defer func() { _ = deadLetters.Close() }()
	busCfg := bus.DefaultConfig()
	busCfg.InboxCapacity = cfg.Bus.InboxCapacity
	busCfg.DeadLetter = deadLetters
	if cfg.Bus.RedisAddr != "" {
		busCfg.Limiter = bus.NewRedisLimiterStore(cfg.Bus.RedisAddr, "", 0)
	}
	fabric := bus.New(busCfg)

	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	auditQueue := audit.NewQueue(audit.Config{Capacity: cfg.Audit.QueueSize}, sinks...)

	meter, err := buildMeter(ctx, cfg)
	if err != nil {
		return err
	}
	meterQueue := metering.NewQueue(metering.QueueConfig{Capacity: cfg.Metering.QueueSize}, meter)

	injector, err := buildInjector(cfg)
	if err != nil {
		return err
	}

	proc := processor.New(validator, registry, policyClient, scorer, router,
		manager, fabric, auditQueue, meterQueue).WithChaos(injector)

	var tokens *deliberation.TokenIssuer
	if cfg.Deliberation.ReviewerKey != "" {
		tokens = deliberation.NewTokenIssuer([]byte(cfg.Deliberation.ReviewerKey))
	}

	// Approved deliberation items rejoin the fast path; every resolution
	// leaves an audit trace.
	manager.OnResolve(func(item *contracts.DeliberationItem, outcome contracts.Decision) {
		decision := audit.DecisionRejected
		if outcome == contracts.DecisionAllow {
			decision = audit.DecisionDelivered
			if err := fabric.Send(context.Background(), item.Message); err != nil {
				logger.Error("approved item delivery failed",
					"item_id", item.ItemID, "error", err)
				decision = audit.DecisionRejected
			}
		}
		entry := audit.NewEntry(item.Message, decision, contracts.LaneDeliberation)
		entry.Score = item.ImpactScore.Score
		auditQueue.Enqueue(entry)
	})

	health := resilience.NewHealthAggregator(resilience.DefaultHealthConfig())
	health.Register(policyBreaker, 2)
	for _, b := range auditQueue.Breakers() {
		health.Register(b, 1)
	}
	health.SetDropCounters(auditQueue.Drops, meterQueue.Drops)

	recovery := resilience.NewOrchestrator()
	policyBreaker.OnStateChange(func(name string, _, to contracts.BreakerState) {
		if to == contracts.BreakerOpen {
			recovery.Schedule(resilience.RecoveryTask{
				Component: name,
				Priority:  1,
				Strategy:  resilience.StrategyExponential,
				BaseDelay: cfg.Breaker.BaseCooldown,
				Breaker:   policyBreaker,
			})
		}
	})

	_ = obs.RegisterQueueDepth("audit", auditQueue.Depth)
	_ = obs.RegisterQueueDepth("metering", meterQueue.Depth)

	if restored, err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("deliberation recovery: %w", err)
	} else if restored > 0 {
		logger.Info("restored pending deliberation items", "count", restored)
	}

	var wg sync.WaitGroup
	for _, worker := range []func(context.Context){
		auditQueue.Run,
		meterQueue.Run,
		health.Run,
		recovery.Run,
		manager.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(worker)
	}

	server := api.NewServer(api.Server{
		Processor: proc,
		Bus:       fabric,
		Roles:     registry,
		Delib:     manager,
		Tokens:    tokens,
		Health:    health,
		Injector:  injector,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("agentbus running",
		"addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"constitutional_hash", cfg.ConstitutionalHash,
		"policy_engine", engine.Name(),
		"fail_closed", cfg.FailClosed)

	select {
	case err := <-serveErr:
		stop()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown requested, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if parked, err := fabric.Drain(drainCtx); err != nil {
		logger.Error("drain finished with errors", "parked", parked, "error", err)
	} else if parked > 0 {
		logger.Warn("drain parked undelivered messages", "parked", parked)
	}

	wg.Wait()
	logger.Info("agentbus stopped", "stats", fabric.Stats())
	return nil
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func buildEngine(cfg *config.Config) (policy.Engine, error) {
	switch cfg.Policy.Engine {
	case "opa":
		return policy.NewOPAEngine(policy.OPAConfig{
			URL:          cfg.Policy.OPAURL,
			DecisionPath: cfg.Policy.DecisionPath,
			Timeout:      cfg.Timeouts.Policy,
		}), nil
	default:
		engine, err := policy.NewCELEngine(nil)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

func buildSinks(ctx context.Context, cfg *config.Config) ([]audit.Sink, error) {
	var sinks []audit.Sink
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "jsonl":
			if cfg.Audit.JSONLPath == "" {
				sinks = append(sinks, audit.NewJSONLSink(nil))
				continue
			}
			f, err := os.OpenFile(cfg.Audit.JSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("audit: open jsonl file: %w", err)
			}
			sinks = append(sinks, audit.NewJSONLSink(f))
		case "postgres":
			sink, err := audit.OpenPostgresSink(ctx, cfg.Audit.PostgresURL)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		case "s3":
			sink, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{
				Bucket:   cfg.Audit.S3Bucket,
				Region:   cfg.Audit.S3Region,
				Endpoint: cfg.Audit.S3Endpoint,
				Prefix:   cfg.Audit.Prefix,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		case "gcs":
			sink, err := audit.NewGCSSink(ctx, audit.GCSSinkConfig{
				Bucket: cfg.Audit.GCSBucket,
				Prefix: cfg.Audit.Prefix,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("audit: unknown sink %q", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewJSONLSink(nil))
	}
	return sinks, nil
}

func buildMeter(ctx context.Context, cfg *config.Config) (metering.Meter, error) {
	if !cfg.Metering.Enabled || cfg.Metering.PostgresURL == "" {
		return metering.NewMemoryMeter(), nil
	}
	db, err := metering.OpenPostgres(ctx, cfg.Metering.PostgresURL)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func buildInjector(cfg *config.Config) (*chaos.Injector, error) {
	if cfg.Chaos.Profile == "" {
		return nil, nil
	}
	profile, err := chaos.LoadProfile(cfg.Chaos.Profile)
	if err != nil {
		return nil, err
	}
	return chaos.New(profile, cfg.Mode)
}
