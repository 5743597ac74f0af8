package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/resilience"
)

// Config tunes the audit queue.
type Config struct {
	// Capacity bounds the queue; the oldest entry is dropped on
	// overflow. Default: 8192.
	Capacity int
	// BatchSize is the per-flush entry cap. Default: 64.
	BatchSize int
	// FlushInterval bounds batch latency. Default: 1s.
	FlushInterval time.Duration
}

// DefaultConfig returns the standard queue settings.
func DefaultConfig() Config {
	return Config{Capacity: 8192, BatchSize: 64, FlushInterval: time.Second}
}

// Queue is the fire-and-forget audit pipeline. Enqueue never blocks the
// caller: on overflow the oldest entry is dropped and counted. Entries
// are flushed in batches to every sink through per-sink breakers; a
// batch counts as durable once one sink acknowledges it.
type Queue struct {
	cfg    Config
	ch     chan contracts.AuditEntry
	sinks  []sinkSlot
	logger *slog.Logger
	clock  func() time.Time

	drops     atomic.Uint64
	lost      atomic.Uint64 // batches no sink acknowledged
	processed atomic.Uint64
}

type sinkSlot struct {
	sink    Sink
	breaker *resilience.Breaker
}

// NewQueue creates the queue with the given sinks. At least one sink is
// required; a breaker is created per sink.
func NewQueue(cfg Config, sinks ...Sink) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 8192
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	q := &Queue{
		cfg:    cfg,
		ch:     make(chan contracts.AuditEntry, cfg.Capacity),
		logger: slog.Default().With("component", "audit_queue"),
		clock:  time.Now,
	}
	for _, s := range sinks {
		q.sinks = append(q.sinks, sinkSlot{
			sink:    s,
			breaker: resilience.NewBreaker("audit_"+s.Name(), resilience.DefaultBreakerConfig()),
		})
	}
	return q
}

// Breakers exposes the per-sink breakers for health registration.
func (q *Queue) Breakers() []*resilience.Breaker {
	out := make([]*resilience.Breaker, len(q.sinks))
	for i, s := range q.sinks {
		out[i] = s.breaker
	}
	return out
}

// Enqueue queues the entry without blocking. Constant-time: either the
// channel has room, or exactly one oldest entry is displaced.
func (q *Queue) Enqueue(entry contracts.AuditEntry) {
	select {
	case q.ch <- entry:
		return
	default:
	}
	select {
	case <-q.ch:
		q.drops.Add(1)
	default:
	}
	select {
	case q.ch <- entry:
	default:
		q.drops.Add(1)
	}
}

// Drops returns the overflow drop total, exposed in health snapshots.
func (q *Queue) Drops() uint64 { return q.drops.Load() }

// Lost returns the number of batches no sink acknowledged.
func (q *Queue) Lost() uint64 { return q.lost.Load() }

// Processed returns the number of entries flushed durably.
func (q *Queue) Processed() uint64 { return q.processed.Load() }

// Depth returns the current queue length.
func (q *Queue) Depth() int { return len(q.ch) }

// Run drains the queue in batches until ctx is cancelled, then flushes
// what remains.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]contracts.AuditEntry, 0, q.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.flush(context.WithoutCancel(ctx), batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-q.ch:
					batch = append(batch, e)
					if len(batch) >= q.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-q.ch:
			batch = append(batch, e)
			if len(batch) >= q.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush fans the batch out to every sink. One acknowledgment makes the
// batch durable; sinks that fail trip their breakers independently.
func (q *Queue) flush(ctx context.Context, batch []contracts.AuditEntry) {
	entries := make([]contracts.AuditEntry, len(batch))
	copy(entries, batch)

	acked := false
	for _, slot := range q.sinks {
		err := slot.breaker.Call(ctx, func(ctx context.Context) error {
			return slot.sink.Write(ctx, entries)
		})
		if err != nil {
			q.logger.WarnContext(ctx, "audit sink write failed",
				"sink", slot.sink.Name(), "entries", len(entries), "error", err)
			continue
		}
		acked = true
	}
	if !acked {
		q.lost.Add(1)
		q.logger.ErrorContext(ctx, "audit batch lost, no sink acknowledged",
			"entries", len(entries))
		return
	}
	q.processed.Add(uint64(len(entries)))
}

// Audit decision vocabulary.
const (
	DecisionDelivered = "delivered"
	DecisionQueued    = "queued_for_deliberation"
	DecisionRejected  = "rejected"
)

// NewEntry builds an audit entry for a processed message.
func NewEntry(msg *contracts.Message, decision string, lane contracts.Lane) contracts.AuditEntry {
	return contracts.AuditEntry{
		EntryID:            uuid.New().String(),
		MessageID:          msg.MessageID,
		TenantID:           msg.TenantID,
		Decision:           decision,
		RoutingLane:        lane,
		ConstitutionalHash: msg.ConstitutionalHash,
		Severity:           severityFor(decision, ""),
		CreatedAt:          time.Now().UTC(),
	}
}

// severityFor grades an entry: rejections are warnings, constitutional
// and role failures are elevated.
func severityFor(decision string, kind contracts.ErrorKind) contracts.AuditSeverity {
	switch {
	case kind == contracts.ErrConstitutionalHashMismatch || kind == contracts.ErrRoleViolation:
		return contracts.AuditElevated
	case decision == DecisionRejected:
		return contracts.AuditWarning
	default:
		return contracts.AuditInfo
	}
}

// WithError annotates an entry with the error kind and regrades its
// severity.
func WithError(entry contracts.AuditEntry, kind contracts.ErrorKind) contracts.AuditEntry {
	entry.ErrorKind = kind
	entry.Severity = severityFor(entry.Decision, kind)
	return entry
}
