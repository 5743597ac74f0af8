package metering

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// QueueConfig tunes the metering queue.
type QueueConfig struct {
	// Capacity bounds the queue; the oldest event is dropped on
	// overflow. Default: 16384.
	Capacity int
	// BatchSize is the per-drain event cap. Default: 128.
	BatchSize int
	// FlushInterval bounds drain latency. Default: 1s.
	FlushInterval time.Duration
}

// DefaultQueueConfig returns the standard queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Capacity: 16384, BatchSize: 128, FlushInterval: time.Second}
}

// Queue decouples usage recording from meter latency. Enqueue never
// blocks: on overflow the oldest event is displaced and counted as a
// drop. A worker drains events in batches to the backing Meter.
type Queue struct {
	cfg    QueueConfig
	ch     chan Event
	meter  Meter
	logger *slog.Logger

	drops    atomic.Uint64
	recorded atomic.Uint64
	failed   atomic.Uint64
}

// NewQueue creates the queue over a backing meter.
func NewQueue(cfg QueueConfig, meter Meter) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 16384
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Queue{
		cfg:    cfg,
		ch:     make(chan Event, cfg.Capacity),
		meter:  meter,
		logger: slog.Default().With("component", "metering_queue"),
	}
}

// Enqueue queues the event without blocking the caller.
func (q *Queue) Enqueue(event Event) {
	select {
	case q.ch <- event:
		return
	default:
	}
	select {
	case <-q.ch:
		q.drops.Add(1)
	default:
	}
	select {
	case q.ch <- event:
	default:
		q.drops.Add(1)
	}
}

// Drops returns the overflow drop total, exposed in health snapshots.
func (q *Queue) Drops() uint64 { return q.drops.Load() }

// Recorded returns the number of events durably recorded.
func (q *Queue) Recorded() uint64 { return q.recorded.Load() }

// Depth returns the current queue length.
func (q *Queue) Depth() int { return len(q.ch) }

// Run drains the queue until ctx is cancelled, then flushes what
// remains.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, q.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := q.meter.RecordBatch(context.WithoutCancel(ctx), batch); err != nil {
			q.failed.Add(uint64(len(batch)))
			q.logger.Warn("metering batch failed", "events", len(batch), "error", err)
		} else {
			q.recorded.Add(uint64(len(batch)))
		}
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
