package resilience

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var errStillOpen = errors.New("resilience: breaker still open after trial")

// Strategy names a recovery backoff shape.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyImmediate   Strategy = "immediate"
	// StrategyManual parks the component until Release is called.
	StrategyManual Strategy = "manual"
)

// RecoveryTask describes a degraded component awaiting recovery
// attempts. Probe is called at each attempt; a nil Probe forces the
// component's breaker into a HALF_OPEN trial instead.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RecoveryTask struct {
	Component   string
	Priority    int // higher recovers first when due at the same time
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxAttempts int
	Breaker     *Breaker
	Probe       func(ctx context.Context) error
}

// entry is a scheduled task in the recovery heap.
type entry struct {
	task    RecoveryTask
	attempt int
	dueAt   time.Time
	index   int
}

type recoveryHeap []*entry

func (h recoveryHeap) Len() int { return len(h) }
func (h recoveryHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].dueAt.Before(h[j].dueAt)
}
func (h recoveryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *recoveryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *recoveryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Orchestrator schedules recovery attempts for degraded components on a
// priority queue. One goroutine drains the queue; attempts for distinct
// components never block each other beyond probe duration.
type Orchestrator struct {
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	queue  recoveryHeap
	manual map[string]RecoveryTask
	wake   chan struct{}
}

// NewOrchestrator creates an empty recovery orchestrator.
func NewOrchestrator() *Orchestrator {
	o := &Orchestrator{
		logger: slog.Default().With("component", "recovery_orchestrator"),
		clock:  time.Now,
		manual: make(map[string]RecoveryTask),
		wake:   make(chan struct{}, 1),
	}
	heap.Init(&o.queue)
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Schedule enqueues a component for recovery. Manual-strategy tasks are
// parked until Release; everything else is scheduled per its backoff.
func (o *Orchestrator) Schedule(task RecoveryTask) {
	if task.BaseDelay <= 0 {
		task.BaseDelay = time.Second
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 10
	}
	o.mu.Lock()
	if task.Strategy == StrategyManual {
		o.manual[task.Component] = task
		o.mu.Unlock()
		o.logger.Info("component parked for manual recovery", "component", task.Component)
		return
	}
	heap.Push(&o.queue, &entry{
		task:  task,
		dueAt: o.clock().Add(o.delayFor(task, 0)),
	})
	o.mu.Unlock()
	o.signal()
}

// Release moves a manually parked component onto the immediate queue.
func (o *Orchestrator) Release(component string) bool {
	o.mu.Lock()
	task, ok := o.manual[component]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.manual, component)
	task.Strategy = StrategyImmediate
	heap.Push(&o.queue, &entry{task: task, dueAt: o.clock()})
	o.mu.Unlock()
	o.signal()
	return true
}

// Pending returns the number of scheduled plus parked components.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len() + len(o.manual)
}

func (o *Orchestrator) delayFor(task RecoveryTask, attempt int) time.Duration {
	switch task.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyLinear:
		return task.BaseDelay * time.Duration(attempt+1)
	default: // exponential
		const maxDelay = 30 * time.Second
		d := task.BaseDelay << attempt
		if d > maxDelay || d <= 0 {
			d = maxDelay
		}
		return d
	}
}

// Run drains due recovery attempts until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		o.mu.Lock()
		var wait time.Duration
		if o.queue.Len() == 0 {
			wait = time.Hour
		} else {
			wait = o.queue[0].dueAt.Sub(o.clock())
		}
		o.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-o.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		o.attemptDue(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// RunOnce executes every currently-due attempt; used by tests and by
// deployments that drive recovery from an external scheduler.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	o.attemptDue(ctx)
}

func (o *Orchestrator) attemptDue(ctx context.Context) {
	now := o.clock()
	for {
		o.mu.Lock()
		if o.queue.Len() == 0 || o.queue[0].dueAt.After(now) {
			o.mu.Unlock()
			return
		}
		e := heap.Pop(&o.queue).(*entry)
		o.mu.Unlock()

		err := o.attempt(ctx, e)
		if err == nil {
			o.logger.Info("component recovered",
				"component", e.task.Component, "attempt", e.attempt+1)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		e.attempt++
		if e.attempt >= e.task.MaxAttempts {
			o.logger.Error("recovery attempts exhausted, parking component",
				"component", e.task.Component, "attempts", e.attempt, "error", err)
			o.mu.Lock()
			parked := e.task
			parked.Strategy = StrategyManual
			o.manual[e.task.Component] = parked
			o.mu.Unlock()
			continue
		}
		o.logger.Warn("recovery attempt failed",
			"component", e.task.Component, "attempt", e.attempt, "error", err)
		o.mu.Lock()
		e.dueAt = o.clock().Add(o.delayFor(e.task, e.attempt))
		heap.Push(&o.queue, e)
		o.mu.Unlock()
	}
}

// attempt probes the component. With a probe, the probe result is
// recorded on the breaker so recovery and fault isolation agree. Without
// one, the attempt ends the breaker cooldown early and lets the next
// live call run the HALF_OPEN trial.
func (o *Orchestrator) attempt(ctx context.Context, e *entry) error {
	if e.task.Probe != nil {
		if e.task.Breaker != nil {
			e.task.Breaker.ForceTrial()
			return e.task.Breaker.Call(ctx, e.task.Probe)
		}
		return e.task.Probe(ctx)
	}
	if e.task.Breaker == nil {
		return errStillOpen
	}
	e.task.Breaker.ForceTrial()
	return nil
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
