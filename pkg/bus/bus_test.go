package bus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/bus"
	"github.com/acgs-platform/agentbus/pkg/contracts"
)

func agent(id string, role contracts.Role) contracts.AgentRecord {
	return contracts.AgentRecord{
		AgentID:   id,
		AgentType: "critic",
		Status:    contracts.AgentActive,
		Role:      role,
		TenantID:  "tenant-a",
	}
}

func newBus(t *testing.T, cfg bus.Config) *bus.Bus {
	t.Helper()
	b := bus.New(cfg)
	require.NoError(t, b.Register(agent("exec-1", contracts.RoleExecutive)))
	require.NoError(t, b.Register(agent("jud-1", contracts.RoleJudicial)))
	return b
}

func TestRegisterRejectsDuplicatesAndUnknownRoles(t *testing.T) {
	b := bus.New(bus.DefaultConfig())

	require.NoError(t, b.Register(agent("exec-1", contracts.RoleExecutive)))
	err := b.Register(agent("exec-1", contracts.RoleExecutive))
	require.Error(t, err)

	err = b.Register(agent("weird-1", contracts.Role("chancellor")))
	assert.Equal(t, contracts.ErrRoleViolation, contracts.KindOf(err))

	assert.Len(t, b.List(), 1)
}

func TestSendDeliversToInbox(t *testing.T) {
	b := newBus(t, bus.DefaultConfig())

	msg := contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery, nil)
	require.NoError(t, b.Send(context.Background(), msg))

	inbox, ok := b.Inbox("jud-1")
	require.True(t, ok)
	got := <-inbox
	assert.Equal(t, msg.MessageID, got.MessageID)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Agents["exec-1"].Sent)
	assert.Equal(t, uint64(1), stats.Agents["jud-1"].Received)
}

func TestSendUnknownRecipient(t *testing.T) {
	b := newBus(t, bus.DefaultConfig())

	msg := contracts.NewMessage("exec-1", "ghost-9", contracts.MessageTypeQuery, nil)
	err := b.Send(context.Background(), msg)
	assert.Equal(t, contracts.ErrMessageMalformed, contracts.KindOf(err))
	assert.Equal(t, uint64(1), b.Stats().Rejected)
}

func TestBackpressurePreservesAcceptedOrder(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.InboxCapacity = 2
	cfg.Limits = nil
	b := newBus(t, cfg)

	var accepted []string
	overflows := 0
	for i := 0; i < 5; i++ {
		msg := contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery,
			map[string]any{"seq": i})
		err := b.Send(context.Background(), msg)
		if err != nil {
			assert.Equal(t, contracts.ErrBackpressure, contracts.KindOf(err))
			overflows++
			continue
		}
		accepted = append(accepted, msg.MessageID)
	}
	assert.Equal(t, 3, overflows)

	inbox, _ := b.Inbox("jud-1")
	for _, want := range accepted {
		got := <-inbox
		assert.Equal(t, want, got.MessageID, "accepted messages arrive in send order")
	}
}

func TestSuspendedAgentIsHeartbeatOnly(t *testing.T) {
	b := newBus(t, bus.DefaultConfig())
	require.NoError(t, b.SetStatus("jud-1", contracts.AgentSuspended))

	err := b.Send(context.Background(),
		contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery, nil))
	assert.Equal(t, contracts.ErrRoleViolation, contracts.KindOf(err))

	require.NoError(t, b.Send(context.Background(),
		contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeHeartbeat, nil)))

	require.NoError(t, b.SetStatus("jud-1", contracts.AgentTerminated))
	err = b.Send(context.Background(),
		contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeHeartbeat, nil))
	require.Error(t, err, "terminated agents receive nothing")
}

func TestPerRoleRateLimit(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.Limits = map[contracts.Role]bus.RateLimit{
		contracts.RoleExecutive: {PerSecond: 0.001, Burst: 2},
	}
	b := newBus(t, cfg)

	ctx := context.Background()
	require.NoError(t, b.Send(ctx, contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery, nil)))
	require.NoError(t, b.Send(ctx, contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery, nil)))

	err := b.Send(ctx, contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery, nil))
	assert.Equal(t, contracts.ErrBackpressure, contracts.KindOf(err))

	// Heartbeats bypass the bucket entirely.
	require.NoError(t, b.Send(ctx, contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeHeartbeat, nil)))

	// Judicial agents have no configured limit here.
	require.NoError(t, b.Send(ctx, contracts.NewMessage("jud-1", "exec-1", contracts.MessageTypeQuery, nil)))
}

func TestBroadcastFanOut(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.InboxCapacity = 1
	cfg.Limits = nil
	b := newBus(t, cfg)
	require.NoError(t, b.Register(agent("leg-1", contracts.RoleLegislative)))
	require.NoError(t, b.Register(agent("leg-2", contracts.RoleLegislative)))

	for _, id := range []string{"exec-1", "jud-1", "leg-1", "leg-2"} {
		require.NoError(t, b.Subscribe("governance.events", id))
	}

	// Fill leg-2's inbox so its copy is skipped.
	require.NoError(t, b.Send(context.Background(),
		contracts.NewMessage("jud-1", "leg-2", contracts.MessageTypeNotification, nil)))

	msg := contracts.NewMessage("exec-1", "", contracts.MessageTypeEvent,
		map[string]any{"what": "constitution_reloaded"})
	delivered, err := b.Broadcast(context.Background(), "governance.events", msg)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered, "sender excluded, full inbox skipped")

	inbox, _ := b.Inbox("leg-1")
	got := <-inbox
	assert.Equal(t, "leg-1", got.ToAgent)
	assert.Equal(t, "governance.events", got.Topic)
	assert.Equal(t, msg.MessageID, got.MessageID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.Limits = nil
	b := newBus(t, cfg)
	require.NoError(t, b.Subscribe("alerts", "jud-1"))
	b.Unsubscribe("alerts", "jud-1")

	delivered, err := b.Broadcast(context.Background(), "alerts",
		contracts.NewMessage("exec-1", "", contracts.MessageTypeEvent, nil))
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestDrainParksUndeliveredInDeadLetter(t *testing.T) {
	store, err := bus.NewSQLiteDeadLetterStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := bus.DefaultConfig()
	cfg.Limits = nil
	cfg.DeadLetter = store
	cfg.DrainPoll = 5 * time.Millisecond
	b := newBus(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(context.Background(),
			contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeCommand,
				map[string]any{"seq": i})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	parked, err := b.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, parked)

	letters, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 3)
	assert.Equal(t, "shutdown_drain_deadline", letters[0].Reason)
	assert.Equal(t, "jud-1", letters[0].Message.ToAgent)

	record, _ := b.Get("exec-1")
	assert.Equal(t, contracts.AgentDraining, record.Status)
}

func TestDrainCompletesWhenConsumersCatchUp(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.Limits = nil
	cfg.DrainPoll = 5 * time.Millisecond
	b := newBus(t, cfg)

	require.NoError(t, b.Send(context.Background(),
		contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery, nil)))

	inbox, _ := b.Inbox("jud-1")
	go func() {
		<-inbox
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	parked, err := b.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, parked)
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := bus.New(bus.DefaultConfig()).WithClock(func() time.Time { return now })
	require.NoError(t, b.Register(agent("exec-1", contracts.RoleExecutive)))

	now = now.Add(time.Minute)
	b.Heartbeat("exec-1")
	record, _ := b.Get("exec-1")
	assert.Equal(t, now, record.LastSeenAt)
}

func BenchmarkSend(b *testing.B) {
	cfg := bus.DefaultConfig()
	cfg.InboxCapacity = b.N + 1
	cfg.Limits = nil
	busInst := bus.New(cfg)
	_ = busInst.Register(agent("exec-1", contracts.RoleExecutive))
	_ = busInst.Register(agent("jud-1", contracts.RoleJudicial))
	msgs := make([]*contracts.Message, b.N)
	for i := range msgs {
		msgs[i] = contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeQuery,
			map[string]any{"seq": fmt.Sprint(i)})
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = busInst.Send(ctx, msgs[i])
	}
}
