// Package bus is the delivery fabric of the agent bus: agent
// registration and lifecycle, point-to-point dispatch into bounded
// per-agent inboxes, topic fan-out, per-role rate limits, and a
// graceful drain that parks undeliverable messages in a dead-letter
// store. The bus enforces delivery mechanics only; governance checks
// happen upstream in the processor.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Config tunes the bus.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	// InboxCapacity bounds each agent inbox. A full inbox rejects the
	// send with Backpressure. Default: 256.
	InboxCapacity int
	// Limits are per-role token bucket policies. Missing roles are not
	// rate limited.
	Limits map[contracts.Role]RateLimit
	// Limiter stores the buckets. Default: in-process.
	Limiter LimiterStore
	// DeadLetter receives non-drainable messages at shutdown. Optional.
	DeadLetter DeadLetterStore
	// DrainPoll is the inbox re-check interval during Drain.
	// Default: 25ms.
	DrainPoll time.Duration
}

// DefaultConfig returns the standard bus settings.
func DefaultConfig() Config {
	return Config{
		InboxCapacity: 256,
		Limits:        DefaultLimits(),
		DrainPoll:     25 * time.Millisecond,
	}
}

type agentEntry struct {
	mu     sync.RWMutex
	record contracts.AgentRecord
	inbox  chan *contracts.Message

	sent     atomic.Uint64
	received atomic.Uint64
	rejected atomic.Uint64
}

func (e *agentEntry) snapshot() contracts.AgentRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record
}

// AgentStats are per-agent delivery counters.
type AgentStats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
	Inbox    int    `json:"inbox"`
}

// Statistics is the bus-wide counter snapshot.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Statistics struct {
	Sent       uint64                `json:"sent"`
	Delivered  uint64                `json:"delivered"`
	Rejected   uint64                `json:"rejected"`
	DeadLetter uint64                `json:"dead_letter"`
	Agents     map[string]AgentStats `json:"agents"`
}

// Bus registers agents and moves messages between them.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentEntry
	topics map[string]map[string]struct{}

	sent       atomic.Uint64
	delivered  atomic.Uint64
	rejected   atomic.Uint64
	deadLetter atomic.Uint64
}

// New creates a bus.
func New(cfg Config) *Bus {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 256
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = 25 * time.Millisecond
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewLocalLimiterStore()
	}
	return &Bus{
		cfg:    cfg,
		logger: slog.Default().With("component", "bus"),
		clock:  func() time.Time { return time.Now().UTC() },
		agents: make(map[string]*agentEntry),
		topics: make(map[string]map[string]struct{}),
	}
}

// WithClock overrides the time source, for tests.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Register admits an agent. Agent IDs are unique; re-registering an
// existing ID fails. A zero status registers as "registered".
func (b *Bus) Register(record contracts.AgentRecord) error {
	if record.AgentID == "" {
		return contracts.NewBusError(contracts.ErrMessageMalformed, "agent record has no agent_id")
	}
	if !record.Role.Valid() {
		return contracts.NewBusError(contracts.ErrRoleViolation,
			"agent %q has unknown role %q", record.AgentID, record.Role)
	}
	if record.Status == "" {
		record.Status = contracts.AgentRegistered
	}
	now := b.clock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.LastSeenAt = now

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[record.AgentID]; exists {
		return contracts.NewBusError(contracts.ErrMessageMalformed,
			"agent %q is already registered", record.AgentID)
	}
	b.agents[record.AgentID] = &agentEntry{
		record: record,
		inbox:  make(chan *contracts.Message, b.cfg.InboxCapacity),
	}
	b.logger.Info("agent registered",
		"agent_id", record.AgentID, "role", record.Role, "tenant_id", record.TenantID)
	return nil
}

// Get returns the agent record.
func (b *Bus) Get(agentID string) (contracts.AgentRecord, bool) {
	b.mu.RLock()
	entry, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		return contracts.AgentRecord{}, false
	}
	return entry.snapshot(), true
}

// List returns all agent records.
func (b *Bus) List() []contracts.AgentRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	records := make([]contracts.AgentRecord, 0, len(b.agents))
	for _, entry := range b.agents {
		records = append(records, entry.snapshot())
	}
	return records
}

// SetStatus moves the agent through its lifecycle (start, stop,
// suspend, terminate).
func (b *Bus) SetStatus(agentID string, status contracts.AgentStatus) error {
	entry, ok := b.entry(agentID)
	if !ok {
		return contracts.NewBusError(contracts.ErrMessageMalformed, "unknown agent %q", agentID)
	}
	entry.mu.Lock()
	entry.record.Status = status
	entry.mu.Unlock()
	b.logger.Info("agent status changed", "agent_id", agentID, "status", status)
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (b *Bus) Heartbeat(agentID string) {
	if entry, ok := b.entry(agentID); ok {
		entry.mu.Lock()
		entry.record.LastSeenAt = b.clock()
		entry.mu.Unlock()
	}
}

// Subscribe adds the agent to a broadcast topic.
func (b *Bus) Subscribe(topic, agentID string) error {
	if _, ok := b.entry(agentID); !ok {
		return contracts.NewBusError(contracts.ErrMessageMalformed, "unknown agent %q", agentID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	subs[agentID] = struct{}{}
	return nil
}

// Unsubscribe removes the agent from a topic.
func (b *Bus) Unsubscribe(topic, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[topic], agentID)
}

// Inbox returns the agent's receive channel.
func (b *Bus) Inbox(agentID string) (<-chan *contracts.Message, bool) {
	entry, ok := b.entry(agentID)
	if !ok {
		return nil, false
	}
	return entry.inbox, true
}

// Send dispatches a point-to-point message. A full receiver inbox
// returns Backpressure without dropping anything already accepted; a
// rate-limited sender returns Backpressure as well.
func (b *Bus) Send(ctx context.Context, msg *contracts.Message) error {
	b.sent.Add(1)

	sender, ok := b.entry(msg.FromAgent)
	if !ok {
		b.rejected.Add(1)
		return contracts.NewBusError(contracts.ErrMessageMalformed,
			"unknown sender %q", msg.FromAgent)
	}
	receiver, ok := b.entry(msg.ToAgent)
	if !ok {
		b.rejected.Add(1)
		sender.rejected.Add(1)
		return contracts.NewBusError(contracts.ErrMessageMalformed,
			"unknown recipient %q", msg.ToAgent)
	}

	if err := b.admit(ctx, sender, receiver, msg); err != nil {
		b.rejected.Add(1)
		sender.rejected.Add(1)
		return err
	}

	select {
	case receiver.inbox <- msg:
		b.delivered.Add(1)
		sender.sent.Add(1)
		receiver.received.Add(1)
		return nil
	default:
		b.rejected.Add(1)
		sender.rejected.Add(1)
		return contracts.NewBusError(contracts.ErrBackpressure,
			"inbox of %q is full (%d)", msg.ToAgent, b.cfg.InboxCapacity).
			WithDetail("inbox_capacity", b.cfg.InboxCapacity)
	}
}

// Broadcast fans the message out to every topic subscriber, one copy
// each. Subscribers whose inbox is full or whose lifecycle blocks the
// message type are skipped; the returned count is the number of copies
// delivered.
func (b *Bus) Broadcast(ctx context.Context, topic string, msg *contracts.Message) (int, error) {
	b.sent.Add(1)

	sender, ok := b.entry(msg.FromAgent)
	if !ok {
		b.rejected.Add(1)
		return 0, contracts.NewBusError(contracts.ErrMessageMalformed,
			"unknown sender %q", msg.FromAgent)
	}
	if err := b.admitSender(ctx, sender, msg); err != nil {
		b.rejected.Add(1)
		sender.rejected.Add(1)
		return 0, err
	}

	b.mu.RLock()
	subs := make([]string, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		subs = append(subs, id)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, id := range subs {
		if id == msg.FromAgent {
			continue
		}
		receiver, ok := b.entry(id)
		if !ok {
			continue
		}
		record := receiver.snapshot()
		if !record.CanTraffic(msg.MessageType) {
			continue
		}
		clone := *msg
		clone.ToAgent = id
		clone.Topic = topic
		select {
		case receiver.inbox <- &clone:
			delivered++
			receiver.received.Add(1)
		default:
			receiver.rejected.Add(1)
			b.logger.Warn("broadcast copy dropped on full inbox",
				"topic", topic, "agent_id", id, "message_id", msg.MessageID)
		}
	}
	b.delivered.Add(uint64(delivered))
	sender.sent.Add(uint64(delivered))
	return delivered, nil
}

// admit runs the sender-side checks plus the receiver lifecycle check.
func (b *Bus) admit(ctx context.Context, sender, receiver *agentEntry, msg *contracts.Message) error {
	if err := b.admitSender(ctx, sender, msg); err != nil {
		return err
	}
	record := receiver.snapshot()
	if !record.CanTraffic(msg.MessageType) {
		return contracts.NewBusError(contracts.ErrRoleViolation,
			"agent %q cannot receive %s messages while %s",
			record.AgentID, msg.MessageType, record.Status)
	}
	return nil
}

func (b *Bus) admitSender(ctx context.Context, sender *agentEntry, msg *contracts.Message) error {
	record := sender.snapshot()
	if !record.CanTraffic(msg.MessageType) {
		return contracts.NewBusError(contracts.ErrRoleViolation,
			"agent %q cannot originate %s messages while %s",
			record.AgentID, msg.MessageType, record.Status)
	}

	sender.mu.Lock()
	sender.record.LastSeenAt = b.clock()
	sender.mu.Unlock()

	// Heartbeats bypass rate limits so a throttled agent still proves
	// liveness.
	if msg.MessageType == contracts.MessageTypeHeartbeat {
		return nil
	}
	limit, ok := b.cfg.Limits[record.Role]
	if !ok {
		return nil
	}
	allowed, err := b.cfg.Limiter.Allow(ctx, record.AgentID, limit)
	if err != nil {
		return contracts.NewBusError(contracts.ErrBackpressure,
			"rate limiter unavailable for %q", record.AgentID).
			WithDetail("cause", err.Error())
	}
	if !allowed {
		return contracts.NewBusError(contracts.ErrBackpressure,
			"agent %q exceeded its %s rate limit", record.AgentID, record.Role)
	}
	return nil
}

// Drain performs graceful shutdown: every agent moves to draining, the
// bus waits for consumers to empty their inboxes until ctx expires,
// then parks whatever remains in the dead-letter store. Returns the
// number of parked messages.
func (b *Bus) Drain(ctx context.Context) (int, error) {
	b.mu.RLock()
	entries := make([]*agentEntry, 0, len(b.agents))
	for _, entry := range b.agents {
		entries = append(entries, entry)
	}
	b.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.record.Status == contracts.AgentActive || entry.record.Status == contracts.AgentRegistered {
			entry.record.Status = contracts.AgentDraining
		}
		entry.mu.Unlock()
	}

	ticker := time.NewTicker(b.cfg.DrainPoll)
	defer ticker.Stop()
wait:
	for {
		pending := 0
		for _, entry := range entries {
			pending += len(entry.inbox)
		}
		if pending == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	parked := 0
	var firstErr error
	for _, entry := range entries {
	remaining:
		for {
			select {
			case msg := <-entry.inbox:
				parked++
				b.deadLetter.Add(1)
				if b.cfg.DeadLetter == nil {
					b.logger.Error("dropping non-drainable message, no dead-letter store",
						"message_id", msg.MessageID, "to_agent", msg.ToAgent)
					continue
				}
				if err := b.cfg.DeadLetter.Park(context.WithoutCancel(ctx), msg, "shutdown_drain_deadline"); err != nil {
					if firstErr == nil {
						firstErr = err
					}
					b.logger.Error("dead-letter park failed",
						"message_id", msg.MessageID, "error", err)
				}
			default:
				break remaining
			}
		}
	}
	if parked > 0 {
		b.logger.Warn("drain deadline reached with undelivered messages", "parked", parked)
	}
	return parked, firstErr
}

// Stats returns the counter snapshot.
func (b *Bus) Stats() Statistics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := Statistics{
		Sent:       b.sent.Load(),
		Delivered:  b.delivered.Load(),
		Rejected:   b.rejected.Load(),
		DeadLetter: b.deadLetter.Load(),
		Agents:     make(map[string]AgentStats, len(b.agents)),
	}
	for id, entry := range b.agents {
		stats.Agents[id] = AgentStats{
			Sent:     entry.sent.Load(),
			Received: entry.received.Load(),
			Rejected: entry.rejected.Load(),
			Inbox:    len(entry.inbox),
		}
	}
	return stats
}

func (b *Bus) entry(agentID string) (*agentEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.agents[agentID]
	return entry, ok
}
