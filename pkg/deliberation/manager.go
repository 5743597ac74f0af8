package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/routing"
)

// Config tunes the deliberation manager.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	Thresholds Thresholds
	// RequiredVotes is the approval quorum in the multi-vote band.
	RequiredVotes int
	// TotalCritics sizes the critic pool for the rejection rule:
	// rejected when rejects > TotalCritics - RequiredVotes.
	TotalCritics int
	// JudicialVeto blocks approval while any Judicial critic has a
	// standing reject vote.
	JudicialVeto bool
	// OnTimeout is the outcome applied at deadline expiry.
	OnTimeout contracts.Decision
	// HITLDeadline bounds a single human review; the multi-vote band
	// gets twice this. Default 300s.
	HITLDeadline time.Duration
	// SweepInterval bounds deadline detection latency.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard deliberation settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		RequiredVotes: 3,
		TotalCritics:  5,
		JudicialVeto:  true,
		OnTimeout:     contracts.DecisionDeny,
		HITLDeadline:  DefaultHITLDeadline,
		SweepInterval: time.Second,
	}
}

// RoleLookup resolves an agent's governance role for veto accounting.
type RoleLookup func(agentID string) (contracts.Role, bool)

// ResolveFunc receives every resolved item with its final outcome:
// allow for approved, deny for rejected and timeout.
type ResolveFunc func(item *contracts.DeliberationItem, outcome contracts.Decision)

// Manager owns the deliberation lifecycle: enqueue, voting, human
// review, deadline timeouts, and durable persistence.
type Manager struct {
	cfg      Config
	store    Store
	queue    *queue
	notifier Notifier
	roles    RoleLookup
	logger   *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	items   map[string]*contracts.DeliberationItem
	resolve ResolveFunc
}

// NewManager creates a manager. notifier may be nil (log notifier) and
// roles may be nil (no veto accounting possible, votes count equally).
func NewManager(cfg Config, store Store, notifier Notifier, roles RoleLookup) *Manager {
	if cfg.RequiredVotes <= 0 {
		cfg.RequiredVotes = 3
	}
	if cfg.TotalCritics < cfg.RequiredVotes {
		cfg.TotalCritics = cfg.RequiredVotes
	}
	if cfg.OnTimeout == "" {
		cfg.OnTimeout = contracts.DecisionDeny
	}
	if cfg.HITLDeadline <= 0 {
		cfg.HITLDeadline = DefaultHITLDeadline
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	if roles == nil {
		roles = func(string) (contracts.Role, bool) { return "", false }
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		queue:    newQueue(),
		notifier: notifier,
		roles:    roles,
		logger:   slog.Default().With("component", "deliberation_manager"),
		clock:    time.Now,
		items:    make(map[string]*contracts.DeliberationItem),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// OnResolve registers the resolution callback. Must be set before
// items are enqueued.
func (m *Manager) OnResolve(fn ResolveFunc) { m.resolve = fn }

// Enqueue parks a message for review. The band derived from the score
// and the routing reasons fixes the deadline, the vote quorum, and
// whether a human must weigh in: a high-risk action lands in the
// multi-vote band regardless of score. HITL items are published to the
// notifier and move to in_review.
func (m *Manager) Enqueue(ctx context.Context, msg *contracts.Message, score contracts.ImpactScore, reasons ...routing.Reason) (*contracts.DeliberationItem, error) {
	band := BandFor(score.Score, m.cfg.Thresholds, m.cfg.RequiredVotes, highRiskRouted(reasons), m.cfg.HITLDeadline)
	now := m.clock()
	item := &contracts.DeliberationItem{
		SchemaVersion: SchemaVersion,
		ItemID:        uuid.New().String(),
		MessageID:     msg.MessageID,
		Message:       msg,
		ImpactScore:   score,
		Priority:      msg.Priority,
		RequiredVotes: band.RequiredVotes,
		RequireHITL:   band.RequireHITL,
		RequireVote:   band.RequireVote,
		Votes:         make(map[string]contracts.AgentVote),
		State:         contracts.DeliberationPending,
		EnqueuedAt:    now,
		Deadline:      now.Add(band.Deadline),
	}

	if item.RequireHITL {
		if err := m.notifier.Notify(ctx, item); err != nil {
			// At-least-once: the deadline sweep re-notifies unreviewed
			// items, so a failed first notify is not fatal.
			m.logger.WarnContext(ctx, "HITL notification failed",
				"item_id", item.ItemID, "error", err)
		} else {
			item.State = contracts.DeliberationInReview
		}
	}

	if err := m.store.Save(ctx, item); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.items[item.ItemID] = item
	m.mu.Unlock()
	m.queue.push(item)

	m.logger.InfoContext(ctx, "message parked for deliberation",
		"item_id", item.ItemID, "message_id", msg.MessageID,
		"score", score.Score, "reasons", reasons,
		"require_hitl", item.RequireHITL, "require_vote", item.RequireVote,
		"deadline", item.Deadline)
	return item, nil
}

// Recover reloads unresolved items from the store after a restart.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	items, err := m.store.LoadPending(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	for _, item := range items {
		if item.Votes == nil {
			item.Votes = make(map[string]contracts.AgentVote)
		}
		m.items[item.ItemID] = item
		m.queue.push(item)
	}
	m.mu.Unlock()
	return len(items), nil
}

// NextForReview hands the most urgent unresolved item to a critic.
func (m *Manager) NextForReview() (*contracts.DeliberationItem, bool) {
	return m.queue.pop()
}

// Depth returns the number of items awaiting review pickup.
func (m *Manager) Depth() int { return m.queue.len() }

// Get returns the live item by id.
func (m *Manager) Get(itemID string) (*contracts.DeliberationItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	return item, ok
}

// Vote records a critic vote. One vote per agent; a duplicate vote
// replaces the prior one only while the item is still pending.
func (m *Manager) Vote(ctx context.Context, itemID, agentID string, choice contracts.VoteChoice, signature string) error {
	m.mu.Lock()
	item, ok := m.items[itemID]
	if !ok {
		m.mu.Unlock()
		return ErrItemNotFound
	}
	if item.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("deliberation: item %q already resolved (%s)", itemID, item.State)
	}
	if _, voted := item.Votes[agentID]; voted && item.State != contracts.DeliberationPending {
		m.mu.Unlock()
		return fmt.Errorf("deliberation: agent %q already voted on item %q", agentID, itemID)
	}

	role, _ := m.roles(agentID)
	item.Votes[agentID] = contracts.AgentVote{
		AgentID:   agentID,
		Role:      role,
		Vote:      choice,
		Signature: signature,
		CastAt:    m.clock(),
	}
	m.mu.Unlock()

	return m.settle(ctx, item)
}

// HumanReview records a reviewer decision. Idempotent per reviewer:
// repeated callbacks from the same reviewer are dropped.
func (m *Manager) HumanReview(ctx context.Context, itemID, reviewerID string, decision contracts.Decision, comment string) error {
	m.mu.Lock()
	item, ok := m.items[itemID]
	if !ok {
		m.mu.Unlock()
		return ErrItemNotFound
	}
	if item.State.Terminal() {
		m.mu.Unlock()
		return nil // late callback after resolution, already answered
	}
	for _, r := range item.HumanReviews {
		if r.ReviewerID == reviewerID {
			m.mu.Unlock()
			return nil
		}
	}
	item.HumanReviews = append(item.HumanReviews, contracts.HumanReview{
		ReviewerID: reviewerID,
		Decision:   decision,
		Comment:    comment,
		ReviewedAt: m.clock(),
	})
	m.mu.Unlock()

	return m.settle(ctx, item)
}

// settle re-tallies the item and resolves it when the band's
// requirements are met.
func (m *Manager) settle(ctx context.Context, item *contracts.DeliberationItem) error {
	m.mu.Lock()
	if item.State.Terminal() {
		m.mu.Unlock()
		return nil
	}

	approvals, rejects, judicialReject := 0, 0, false
	for _, v := range item.Votes {
		switch v.Vote {
		case contracts.VoteApprove:
			approvals++
		case contracts.VoteReject:
			rejects++
			if v.Role == contracts.RoleJudicial {
				judicialReject = true
			}
		}
	}
	humanApproved, humanRejected := false, false
	for _, r := range item.HumanReviews {
		switch r.Decision {
		case contracts.DecisionAllow:
			humanApproved = true
		case contracts.DecisionDeny:
			humanRejected = true
		}
	}

	veto := m.cfg.JudicialVeto && judicialReject
	votesApprove := approvals >= item.RequiredVotes && !veto
	votesReject := rejects > m.cfg.TotalCritics-item.RequiredVotes

	var next contracts.DeliberationState
	switch {
	case humanRejected || votesReject:
		next = contracts.DeliberationRejected
	case item.RequireVote:
		if votesApprove && (!item.RequireHITL || humanApproved) {
			next = contracts.DeliberationApproved
		}
	case item.RequireHITL:
		if humanApproved && !veto {
			next = contracts.DeliberationApproved
		}
	case votesApprove:
		next = contracts.DeliberationApproved
	}
	if next == "" {
		m.mu.Unlock()
		return m.store.Save(ctx, item)
	}
	m.mu.Unlock()
	return m.resolveItem(ctx, item, next)
}

// resolveItem finalizes the item and invokes the resolution callback.
func (m *Manager) resolveItem(ctx context.Context, item *contracts.DeliberationItem, state contracts.DeliberationState) error {
	m.mu.Lock()
	if !item.State.CanTransition(state) {
		m.mu.Unlock()
		return fmt.Errorf("deliberation: illegal transition %s -> %s for item %q",
			item.State, state, item.ItemID)
	}
	// Resolved items stay in the map so late reviewer callbacks and
	// duplicate votes get an answer instead of a lookup failure.
	item.State = state
	item.ResolvedAt = m.clock()
	resolve := m.resolve
	m.mu.Unlock()

	m.queue.remove(item.ItemID)
	if err := m.store.Save(ctx, item); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist resolution",
			"item_id", item.ItemID, "state", string(state), "error", err)
	}

	outcome := contracts.DecisionDeny
	if state == contracts.DeliberationApproved {
		outcome = contracts.DecisionAllow
	} else if state == contracts.DeliberationTimeout {
		outcome = m.cfg.OnTimeout
	}
	m.logger.InfoContext(ctx, "deliberation resolved",
		"item_id", item.ItemID, "state", string(state), "outcome", string(outcome))
	if resolve != nil {
		resolve(item, outcome)
	}
	return nil
}

// CheckDeadlines times out every item whose deadline has passed.
func (m *Manager) CheckDeadlines(ctx context.Context) int {
	now := m.clock()
	m.mu.Lock()
	var due []*contracts.DeliberationItem
	for _, item := range m.items {
		if !item.State.Terminal() && now.After(item.Deadline) {
			due = append(due, item)
		}
	}
	m.mu.Unlock()

	for _, item := range due {
		if err := m.resolveItem(ctx, item, contracts.DeliberationTimeout); err != nil {
			m.logger.ErrorContext(ctx, "deadline timeout failed",
				"item_id", item.ItemID, "error", err)
		}
	}
	return len(due)
}

// Run sweeps deadlines until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckDeadlines(ctx)
		}
	}
}
