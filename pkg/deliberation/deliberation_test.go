package deliberation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/deliberation"
	"github.com/acgs-platform/agentbus/pkg/routing"
)

// resolution captures the manager's resolve callback output.
type resolution struct {
	mu      sync.Mutex
	item    *contracts.DeliberationItem
	outcome contracts.Decision
	fired   bool
}

func (r *resolution) fn(item *contracts.DeliberationItem, outcome contracts.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.item = item
	r.outcome = outcome
	r.fired = true
}

func (r *resolution) get(t *testing.T) (*contracts.DeliberationItem, contracts.Decision) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.True(t, r.fired, "item not resolved yet")
	return r.item, r.outcome
}

func criticRoles(agentID string) (contracts.Role, bool) {
	switch agentID {
	case "jud-1", "jud-2":
		return contracts.RoleJudicial, true
	case "leg-1":
		return contracts.RoleLegislative, true
	default:
		return contracts.RoleExecutive, true
	}
}

func newManager(t *testing.T, cfg deliberation.Config) (*deliberation.Manager, *resolution) {
	t.Helper()
	store, err := deliberation.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	res := &resolution{}
	m := deliberation.NewManager(cfg, store, nil, criticRoles)
	m.OnResolve(res.fn)
	return m, res
}

func scored(score float64) contracts.ImpactScore {
	return contracts.ImpactScore{Score: score, Confidence: 1.0}
}

func riskyMessage() *contracts.Message {
	return contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeGovernanceRequest,
		map[string]any{"action": "policy_change"})
}

func TestBandBoundaries(t *testing.T) {
	th := deliberation.DefaultThresholds()

	low := deliberation.BandFor(0.85, th, 3, false, 0)
	assert.False(t, low.RequireHITL)
	assert.False(t, low.RequireVote)
	assert.Equal(t, 300*time.Second, low.Deadline)

	hitl := deliberation.BandFor(0.90, th, 3, false, 0)
	assert.True(t, hitl.RequireHITL, "0.90 exactly requires HITL")
	assert.False(t, hitl.RequireVote)

	vote := deliberation.BandFor(0.95, th, 3, false, 0)
	assert.True(t, vote.RequireHITL)
	assert.True(t, vote.RequireVote, "0.95 exactly requires multi-agent vote")
	assert.Equal(t, 3, vote.RequiredVotes)
	assert.Equal(t, 600*time.Second, vote.Deadline)
}

func TestHighRiskElevatesToMultiVoteBand(t *testing.T) {
	th := deliberation.DefaultThresholds()

	band := deliberation.BandFor(0.20, th, 3, true, 0)
	assert.True(t, band.RequireHITL, "a high-risk action needs a human whatever it scored")
	assert.True(t, band.RequireVote)
	assert.Equal(t, 3, band.RequiredVotes)
	assert.Equal(t, 600*time.Second, band.Deadline)
}

func TestBandDeadlinesFollowHITLBudget(t *testing.T) {
	th := deliberation.DefaultThresholds()

	hitl := deliberation.BandFor(0.91, th, 3, false, 120*time.Second)
	assert.Equal(t, 120*time.Second, hitl.Deadline)

	vote := deliberation.BandFor(0.96, th, 3, false, 120*time.Second)
	assert.Equal(t, 240*time.Second, vote.Deadline, "multi-vote gets twice the review budget")
}

func TestEnqueueHighRiskActionRequiresHumanAndQuorum(t *testing.T) {
	m, _ := newManager(t, deliberation.DefaultConfig())

	// A policy_change scores well below every threshold; the routing
	// reason alone must put it in front of a human and a quorum.
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.20), routing.ReasonAction)
	require.NoError(t, err)
	assert.True(t, item.RequireHITL)
	assert.True(t, item.RequireVote)
	assert.Equal(t, 3, item.RequiredVotes)

	// A low score with no high-risk reason keeps the plain band.
	plain, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.20), routing.ReasonSensitive)
	require.NoError(t, err)
	assert.False(t, plain.RequireHITL)
	assert.False(t, plain.RequireVote)
}

func TestEnqueuePersistsItem(t *testing.T) {
	store, err := deliberation.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := deliberation.NewManager(deliberation.DefaultConfig(), store, nil, criticRoles)
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.85))
	require.NoError(t, err)
	assert.Equal(t, contracts.DeliberationPending, item.State)
	assert.Equal(t, deliberation.SchemaVersion, item.SchemaVersion)

	loaded, err := store.Get(context.Background(), item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, item.MessageID, loaded.MessageID)
	assert.Equal(t, item.Deadline.Unix(), loaded.Deadline.Unix())
}

func TestSingleApprovalResolvesPlainBand(t *testing.T) {
	m, res := newManager(t, deliberation.DefaultConfig())
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.85))
	require.NoError(t, err)

	require.NoError(t, m.Vote(context.Background(), item.ItemID, "leg-1", contracts.VoteApprove, "sig-1"))
	resolved, outcome := res.get(t)
	assert.Equal(t, contracts.DeliberationApproved, resolved.State)
	assert.Equal(t, contracts.DecisionAllow, outcome)
}

func TestVoteReplaceOnlyWhilePending(t *testing.T) {
	m, _ := newManager(t, deliberation.DefaultConfig())
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.96))
	require.NoError(t, err)
	require.Equal(t, contracts.DeliberationInReview, item.State,
		"HITL items enter review on notification")

	require.NoError(t, m.Vote(context.Background(), item.ItemID, "exec-2", contracts.VoteApprove, "sig-1"))
	err = m.Vote(context.Background(), item.ItemID, "exec-2", contracts.VoteReject, "sig-2")
	require.Error(t, err, "no replacement once in review")

	live, ok := m.Get(item.ItemID)
	require.True(t, ok)
	assert.Equal(t, contracts.VoteApprove, live.Votes["exec-2"].Vote)
}

func TestJudicialVetoBlocksApproval(t *testing.T) {
	m, res := newManager(t, deliberation.DefaultConfig())
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.96))
	require.NoError(t, err)

	require.NoError(t, m.HumanReview(context.Background(), item.ItemID, "alice", contracts.DecisionAllow, "ok"))
	require.NoError(t, m.Vote(context.Background(), item.ItemID, "jud-1", contracts.VoteReject, "sig-j"))
	for _, agent := range []string{"exec-2", "exec-3", "leg-1"} {
		require.NoError(t, m.Vote(context.Background(), item.ItemID, agent, contracts.VoteApprove, "sig-"+agent))
	}

	res.mu.Lock()
	fired := res.fired
	res.mu.Unlock()
	assert.False(t, fired, "three approvals cannot override a Judicial reject")

	live, ok := m.Get(item.ItemID)
	require.True(t, ok)
	assert.False(t, live.State.Terminal())
}

func TestRejectionByCount(t *testing.T) {
	cfg := deliberation.DefaultConfig()
	cfg.RequiredVotes = 3
	cfg.TotalCritics = 5
	m, res := newManager(t, cfg)
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.96))
	require.NoError(t, err)

	// rejects > total_critics - required_votes, so 3 > 2 rejects.
	require.NoError(t, m.Vote(context.Background(), item.ItemID, "exec-2", contracts.VoteReject, "s1"))
	require.NoError(t, m.Vote(context.Background(), item.ItemID, "exec-3", contracts.VoteReject, "s2"))
	require.NoError(t, m.Vote(context.Background(), item.ItemID, "leg-1", contracts.VoteReject, "s3"))

	resolved, outcome := res.get(t)
	assert.Equal(t, contracts.DeliberationRejected, resolved.State)
	assert.Equal(t, contracts.DecisionDeny, outcome)
}

func TestMultiVoteBandNeedsQuorumAndHuman(t *testing.T) {
	m, res := newManager(t, deliberation.DefaultConfig())
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.97))
	require.NoError(t, err)

	for _, agent := range []string{"exec-2", "exec-3", "leg-1"} {
		require.NoError(t, m.Vote(context.Background(), item.ItemID, agent, contracts.VoteApprove, "sig-"+agent))
	}
	res.mu.Lock()
	fired := res.fired
	res.mu.Unlock()
	assert.False(t, fired, "quorum alone is not enough, the human has not approved")

	require.NoError(t, m.HumanReview(context.Background(), item.ItemID, "alice", contracts.DecisionAllow, "verified"))
	resolved, outcome := res.get(t)
	assert.Equal(t, contracts.DeliberationApproved, resolved.State)
	assert.Equal(t, contracts.DecisionAllow, outcome)
}

func TestHumanRejectResolvesImmediately(t *testing.T) {
	m, res := newManager(t, deliberation.DefaultConfig())
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.91))
	require.NoError(t, err)

	require.NoError(t, m.HumanReview(context.Background(), item.ItemID, "alice", contracts.DecisionDeny, "too risky"))
	resolved, outcome := res.get(t)
	assert.Equal(t, contracts.DeliberationRejected, resolved.State)
	assert.Equal(t, contracts.DecisionDeny, outcome)
}

func TestHumanReviewIdempotentPerReviewer(t *testing.T) {
	m, res := newManager(t, deliberation.DefaultConfig())
	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.91))
	require.NoError(t, err)

	require.NoError(t, m.HumanReview(context.Background(), item.ItemID, "alice", contracts.DecisionAllow, "first"))
	resolved, outcome := res.get(t)
	assert.Equal(t, contracts.DeliberationApproved, resolved.State)
	assert.Equal(t, contracts.DecisionAllow, outcome)

	// Repeated callback from the same reviewer is dropped, including
	// one that would flip the decision.
	require.NoError(t, m.HumanReview(context.Background(), item.ItemID, "alice", contracts.DecisionDeny, "second"))
	assert.Len(t, resolved.HumanReviews, 1)
}

func TestTimeoutDeniesByDefault(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, err := deliberation.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	res := &resolution{}
	m := deliberation.NewManager(deliberation.DefaultConfig(), store, nil, criticRoles).WithClock(clock)
	m.OnResolve(res.fn)

	item, err := m.Enqueue(context.Background(), riskyMessage(), scored(0.85))
	require.NoError(t, err)

	assert.Equal(t, 0, m.CheckDeadlines(context.Background()), "not due yet")

	now = now.Add(301 * time.Second)
	assert.Equal(t, 1, m.CheckDeadlines(context.Background()))

	resolved, outcome := res.get(t)
	assert.Equal(t, contracts.DeliberationTimeout, resolved.State)
	assert.Equal(t, contracts.DecisionDeny, outcome)
	assert.Equal(t, item.ItemID, resolved.ItemID)

	err = m.Vote(context.Background(), item.ItemID, "leg-1", contracts.VoteApprove, "late")
	require.Error(t, err, "votes after timeout are refused")
}

func TestQueuePreemption(t *testing.T) {
	m, _ := newManager(t, deliberation.DefaultConfig())

	normal := riskyMessage()
	_, err := m.Enqueue(context.Background(), normal, scored(0.85))
	require.NoError(t, err)

	critical := riskyMessage()
	critical.Priority = contracts.PriorityCritical
	criticalItem, err := m.Enqueue(context.Background(), critical, scored(0.85))
	require.NoError(t, err)

	next, ok := m.NextForReview()
	require.True(t, ok)
	assert.Equal(t, criticalItem.ItemID, next.ItemID, "critical preempts normal despite later arrival")

	next, ok = m.NextForReview()
	require.True(t, ok)
	assert.Equal(t, normal.MessageID, next.MessageID)
	assert.Equal(t, 0, m.Depth())
}

func TestRecoverReloadsUnresolvedItems(t *testing.T) {
	store, err := deliberation.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m1 := deliberation.NewManager(deliberation.DefaultConfig(), store, nil, criticRoles)
	item, err := m1.Enqueue(context.Background(), riskyMessage(), scored(0.85))
	require.NoError(t, err)

	// A second manager over the same store picks the item back up.
	m2 := deliberation.NewManager(deliberation.DefaultConfig(), store, nil, criticRoles)
	n, err := m2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, ok := m2.Get(item.ItemID)
	require.True(t, ok)
	assert.Equal(t, item.MessageID, recovered.MessageID)
}

func TestReviewerTokenRoundTrip(t *testing.T) {
	issuer := deliberation.NewTokenIssuer([]byte("test-signing-key"))

	token, err := issuer.Issue("item-1", "alice", time.Hour)
	require.NoError(t, err)

	claims, err := issuer.Validate(token, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ReviewerID)
	assert.Equal(t, "item-1", claims.ItemID)

	_, err = issuer.Validate(token, "item-2")
	require.Error(t, err, "token is scoped to one item")

	other := deliberation.NewTokenIssuer([]byte("different-key"))
	_, err = other.Validate(token, "item-1")
	require.Error(t, err, "wrong key fails signature check")
}

func TestReviewerTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := deliberation.NewTokenIssuer([]byte("k")).WithClock(func() time.Time { return now })

	token, err := issuer.Issue("item-1", "alice", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = issuer.Validate(token, "item-1")
	require.Error(t, err)
}

func TestStoreSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/delib.db"

	store, err := deliberation.NewSQLiteStore(path)
	require.NoError(t, err)
	_ = store.Close()

	// Reopening with a compatible version succeeds.
	store, err = deliberation.NewSQLiteStore(path)
	require.NoError(t, err)
	_ = store.Close()
}
