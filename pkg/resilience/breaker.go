// Package resilience provides the antifragility subsystem: per-dependency
// circuit breakers, a health aggregator folding breaker states into a
// global score, and a recovery orchestrator that schedules trial calls
// for degraded components.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// BreakerConfig shapes the failure/success thresholds and the cooldown
// curve of a breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after N consecutive failures.
	FailureThreshold int
	// SuccessThreshold closes a HALF_OPEN breaker after M consecutive
	// successful trial calls.
	SuccessThreshold int
	// BaseCooldown is the first OPEN cooldown; doubles on each
	// HALF_OPEN failure up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		BaseCooldown:     time.Second,
		MaxCooldown:      30 * time.Second,
	}
}

// Snapshot is a point-in-time view of a breaker.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Snapshot struct {
	Name                string                 `json:"name"`
	State               contracts.BreakerState `json:"state"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	OpenedAt            time.Time              `json:"opened_at,omitzero"`
	CooldownEnd         time.Time              `json:"cooldown_end,omitzero"`
	TrialPermits        int                    `json:"trial_permits"`
}

// StateChange notifies a listener of a breaker transition. Listeners
// must be fast; they are invoked outside the breaker lock but on the
// caller's goroutine.
type StateChange func(name string, from, to contracts.BreakerState)

// Breaker is a three-state fault-isolation FSM. All transitions are
// serialized under the breaker's lock; OPEN guarantees no upstream
// calls are issued.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         contracts.BreakerState
	failures      int
	successes     int
	cooldown      time.Duration
	openedAt      time.Time
	cooldownEnd   time.Time
	trialInFlight bool

	onChange StateChange
	clock    func() time.Time
}

// NewBreaker creates a CLOSED breaker for a named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = time.Second
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = 30 * time.Second
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		state:    contracts.BreakerClosed,
		cooldown: cfg.BaseCooldown,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// OnStateChange registers the transition listener. Must be called
// before the breaker is shared.
func (b *Breaker) OnStateChange(fn StateChange) { b.onChange = fn }

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Call executes op through the breaker, or fails fast with BreakerOpen.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow admits the call or returns BreakerOpen. At cooldown expiry
// exactly one caller wins the HALF_OPEN trial permit; concurrent
// callers keep failing fast, so there is no thundering herd.
func (b *Breaker) allow() error {
	b.mu.Lock()

	var change *[2]contracts.BreakerState
	switch b.state {
	case contracts.BreakerClosed:
		b.mu.Unlock()
		return nil
	case contracts.BreakerOpen:
		now := b.clock()
		if now.Before(b.cooldownEnd) || b.trialInFlight {
			b.mu.Unlock()
			return contracts.NewBusError(contracts.ErrBreakerOpen,
				"breaker %q is open until %s", b.name, b.cooldownEnd.Format(time.RFC3339))
		}
		change = &[2]contracts.BreakerState{contracts.BreakerOpen, contracts.BreakerHalfOpen}
		b.state = contracts.BreakerHalfOpen
		b.successes = 0
		b.trialInFlight = true
	case contracts.BreakerHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return contracts.NewBusError(contracts.ErrBreakerOpen,
				"breaker %q trial already in flight", b.name)
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	if change != nil {
		b.notify(change[0], change[1])
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	var change *[2]contracts.BreakerState
	switch b.state {
	case contracts.BreakerClosed:
		b.failures = 0
	case contracts.BreakerHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			change = &[2]contracts.BreakerState{b.state, contracts.BreakerClosed}
			b.state = contracts.BreakerClosed
			b.failures = 0
			b.successes = 0
			b.cooldown = b.cfg.BaseCooldown
		}
	case contracts.BreakerOpen:
		// Late success from a call admitted before the breaker opened;
		// the cooldown clock decides recovery, not stragglers.
	}
	b.mu.Unlock()

	if change != nil {
		b.notify(change[0], change[1])
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	var change *[2]contracts.BreakerState
	now := b.clock()
	switch b.state {
	case contracts.BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			change = &[2]contracts.BreakerState{b.state, contracts.BreakerOpen}
			b.open(now)
		}
	case contracts.BreakerHalfOpen:
		b.trialInFlight = false
		b.successes = 0
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		change = &[2]contracts.BreakerState{b.state, contracts.BreakerOpen}
		b.open(now)
	case contracts.BreakerOpen:
		// Late failure; already open.
	}
	b.mu.Unlock()

	if change != nil {
		b.notify(change[0], change[1])
	}
}

// open transitions to OPEN using the current cooldown. Caller holds the lock.
func (b *Breaker) open(now time.Time) {
	b.state = contracts.BreakerOpen
	b.openedAt = now
	b.cooldownEnd = now.Add(b.cooldown)
	b.trialInFlight = false
}

// ForceTrial lets the recovery orchestrator end the cooldown early:
// scheduling a retry is equivalent to letting the breaker reach
// HALF_OPEN at the scheduled time.
func (b *Breaker) ForceTrial() {
	b.mu.Lock()
	if b.state == contracts.BreakerOpen {
		b.cooldownEnd = b.clock()
	}
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *Breaker) State() contracts.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	permits := 0
	if b.state == contracts.BreakerHalfOpen && !b.trialInFlight {
		permits = 1
	}
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		CooldownEnd:         b.cooldownEnd,
		TrialPermits:        permits,
	}
}

func (b *Breaker) notify(from, to contracts.BreakerState) {
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}
