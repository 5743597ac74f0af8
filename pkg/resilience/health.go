package resilience

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// DropCounter reports monotonically increasing drop totals from a
// bounded queue (audit, metering).
type DropCounter func() uint64

// HealthConfig tunes the aggregator.
type HealthConfig struct {
	// PollInterval bounds staleness between event-driven recomputes.
	PollInterval time.Duration
	// SubscriberBuffer is the per-subscriber channel depth; slow
	// subscribers lose snapshots rather than block the aggregator.
	SubscriberBuffer int
}

// DefaultHealthConfig returns the standard aggregator settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{PollInterval: time.Second, SubscriberBuffer: 8}
}

// HealthAggregator folds breaker states into a global weighted score in
// [0,1] and publishes snapshots fire-and-forget.
type HealthAggregator struct {
	cfg    HealthConfig
	logger *slog.Logger
	clock  func() time.Time

	mu          sync.Mutex
	breakers    map[string]*Breaker
	weights     map[string]float64
	subscribers []chan contracts.HealthSnapshot
	auditDrops  DropCounter
	meterDrops  DropCounter

	last atomic.Value // contracts.HealthSnapshot
	wake chan struct{}
}

// NewHealthAggregator creates an aggregator with no registered breakers.
func NewHealthAggregator(cfg HealthConfig) *HealthAggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 8
	}
	return &HealthAggregator{
		cfg:      cfg,
		logger:   slog.Default().With("component", "health_aggregator"),
		clock:    time.Now,
		breakers: make(map[string]*Breaker),
		weights:  make(map[string]float64),
		wake:     make(chan struct{}, 1),
	}
}

// WithClock overrides the clock for deterministic testing.
func (h *HealthAggregator) WithClock(clock func() time.Time) *HealthAggregator {
	h.clock = clock
	return h
}

// Register adds a breaker with the given weight and hooks its state
// changes so recomputation is event-driven, not just polled.
func (h *HealthAggregator) Register(b *Breaker, weight float64) {
	if weight <= 0 {
		weight = 1.0
	}
	h.mu.Lock()
	h.breakers[b.Name()] = b
	h.weights[b.Name()] = weight
	h.mu.Unlock()

	b.OnStateChange(func(name string, from, to contracts.BreakerState) {
		h.logger.Info("breaker state change",
			"breaker", name, "from", string(from), "to", string(to))
		select {
		case h.wake <- struct{}{}:
		default:
		}
	})
}

// SetDropCounters wires the audit and metering queue drop totals into
// published snapshots.
func (h *HealthAggregator) SetDropCounters(audit, metering DropCounter) {
	h.mu.Lock()
	h.auditDrops = audit
	h.meterDrops = metering
	h.mu.Unlock()
}

// Subscribe returns a channel of health snapshots. Delivery is
// fire-and-forget; a full channel drops the snapshot.
func (h *HealthAggregator) Subscribe() <-chan contracts.HealthSnapshot {
	ch := make(chan contracts.HealthSnapshot, h.cfg.SubscriberBuffer)
	h.mu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.mu.Unlock()
	return ch
}

// Current returns the last computed snapshot without blocking.
func (h *HealthAggregator) Current() contracts.HealthSnapshot {
	if v := h.last.Load(); v != nil {
		return v.(contracts.HealthSnapshot)
	}
	return h.Recompute()
}

// Recompute folds breaker states into a fresh snapshot and publishes it.
// Health per breaker: CLOSED 1.0, HALF_OPEN 0.5, OPEN 0.0.
func (h *HealthAggregator) Recompute() contracts.HealthSnapshot {
	h.mu.Lock()
	snap := contracts.HealthSnapshot{
		Timestamp:       h.clock(),
		GlobalScore:     1.0,
		ComponentScores: make(map[string]float64, len(h.breakers)),
	}
	var weighted, total float64
	for name, b := range h.breakers {
		state := b.State()
		score := state.HealthScore()
		snap.ComponentScores[name] = score
		w := h.weights[name]
		weighted += w * score
		total += w
		if state == contracts.BreakerOpen {
			snap.OpenBreakers = append(snap.OpenBreakers, name)
		}
	}
	if total > 0 {
		snap.GlobalScore = weighted / total
	}
	if h.auditDrops != nil {
		snap.AuditDrops = h.auditDrops()
	}
	if h.meterDrops != nil {
		snap.MeteringDrops = h.meterDrops()
	}
	subs := make([]chan contracts.HealthSnapshot, len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.Unlock()

	h.last.Store(snap)
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

// Run recomputes on breaker transitions and at the poll interval until
// ctx is cancelled.
func (h *HealthAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	h.Recompute()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			h.Recompute()
		case <-ticker.C:
			h.Recompute()
		}
	}
}
