package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/audit"
	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// memSink collects batches in memory; optionally fails.
type memSink struct {
	mu      sync.Mutex
	name    string
	batches [][]contracts.AuditEntry
	fail    bool
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(_ context.Context, entries []contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.batches = append(s.batches, entries)
	return nil
}

func (s *memSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func sampleMessage() *contracts.Message {
	return contracts.NewMessage("exec-1", "jud-1", contracts.MessageTypeCommand,
		map[string]any{"action": "summarize"})
}

func TestNewEntrySeverity(t *testing.T) {
	msg := sampleMessage()

	entry := audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast)
	assert.Equal(t, contracts.AuditInfo, entry.Severity)
	assert.Equal(t, msg.MessageID, entry.MessageID)
	assert.NotEmpty(t, entry.EntryID)

	entry = audit.NewEntry(msg, audit.DecisionRejected, contracts.LaneFast)
	assert.Equal(t, contracts.AuditWarning, entry.Severity)

	entry = audit.WithError(entry, contracts.ErrRoleViolation)
	assert.Equal(t, contracts.AuditElevated, entry.Severity)
	assert.Equal(t, contracts.ErrRoleViolation, entry.ErrorKind)
}

func TestJSONLSinkWritesOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	sink := audit.NewJSONLSink(&buf)

	msg := sampleMessage()
	entries := []contracts.AuditEntry{
		audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast),
		audit.NewEntry(msg, audit.DecisionQueued, contracts.LaneDeliberation),
	}
	require.NoError(t, sink.Write(context.Background(), entries))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var decoded contracts.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, audit.DecisionQueued, decoded.Decision)
	assert.Equal(t, contracts.LaneDeliberation, decoded.RoutingLane)
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := audit.NewQueue(audit.Config{Capacity: 2, BatchSize: 8}, &memSink{name: "mem"})

	msg := sampleMessage()
	for i := 0; i < 5; i++ {
		q.Enqueue(audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast))
	}
	assert.Equal(t, 2, q.Depth(), "capacity bound holds")
	assert.Equal(t, uint64(3), q.Drops(), "oldest entries displaced, enqueue never blocks")
}

func TestQueueFlushesBatches(t *testing.T) {
	sink := &memSink{name: "mem"}
	q := audit.NewQueue(audit.Config{Capacity: 64, BatchSize: 4, FlushInterval: 10 * time.Millisecond}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()

	msg := sampleMessage()
	for i := 0; i < 10; i++ {
		q.Enqueue(audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast))
	}

	require.Eventually(t, func() bool { return sink.total() == 10 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(10), q.Processed())

	cancel()
	<-done
}

func TestQueueAckFromOneSinkSuffices(t *testing.T) {
	healthy := &memSink{name: "healthy"}
	broken := &memSink{name: "broken", fail: true}
	q := audit.NewQueue(audit.Config{Capacity: 64, BatchSize: 4, FlushInterval: 10 * time.Millisecond},
		broken, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()

	msg := sampleMessage()
	for i := 0; i < 4; i++ {
		q.Enqueue(audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast))
	}

	require.Eventually(t, func() bool { return healthy.total() == 4 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), q.Lost(), "one healthy sink keeps the batch durable")

	cancel()
	<-done
}

func TestQueueCountsLostBatches(t *testing.T) {
	broken := &memSink{name: "broken", fail: true}
	q := audit.NewQueue(audit.Config{Capacity: 64, BatchSize: 2, FlushInterval: 10 * time.Millisecond}, broken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()

	msg := sampleMessage()
	q.Enqueue(audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast))
	q.Enqueue(audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast))

	require.Eventually(t, func() bool { return q.Lost() >= 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), q.Processed())

	cancel()
	<-done
}

func TestQueueDrainsOnShutdown(t *testing.T) {
	sink := &memSink{name: "mem"}
	q := audit.NewQueue(audit.Config{Capacity: 64, BatchSize: 64, FlushInterval: time.Hour}, sink)

	msg := sampleMessage()
	for i := 0; i < 7; i++ {
		q.Enqueue(audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	assert.Equal(t, 7, sink.total(), "pending entries flushed before exit")
}

func TestPostgresSinkWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := audit.NewPostgresSink(db)
	msg := sampleMessage()
	entries := []contracts.AuditEntry{
		audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast),
		audit.NewEntry(msg, audit.DecisionRejected, contracts.LaneDeliberation),
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_entries")
	for range entries {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, sink.Write(context.Background(), entries))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := audit.NewPostgresSink(db)
	msg := sampleMessage()
	entries := []contracts.AuditEntry{
		audit.NewEntry(msg, audit.DecisionDelivered, contracts.LaneFast),
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_entries")
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	require.Error(t, sink.Write(context.Background(), entries))
	require.NoError(t, mock.ExpectationsWereMet())
}
