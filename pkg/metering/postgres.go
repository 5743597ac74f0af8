package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresMeter records bus usage in PostgreSQL, attributed per tenant,
// agent, and message.
type PostgresMeter struct {
	db *sql.DB
}

// NewPostgresMeter wraps an existing connection pool.
func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

const busUsageSchema = `
CREATE TABLE IF NOT EXISTS bus_usage (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_bus_usage_tenant_time ON bus_usage(tenant_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_bus_usage_agent_time ON bus_usage(agent_id, occurred_at);
`

const busUsageInsert = `
	INSERT INTO bus_usage (tenant_id, agent_id, message_id, event_type, quantity, occurred_at, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// Init creates the usage table and its indexes.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, busUsageSchema)
	return err
}

// OpenPostgres opens the DSN and prepares the usage schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresMeter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("metering: open postgres: %w", err)
	}
	m := NewPostgresMeter(db)
	if err := m.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// insertArgs validates the event, defaults its timestamp, and lays out
// the column values in busUsageInsert order.
func insertArgs(event Event, now time.Time) ([]any, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metering: marshal metadata: %w", err)
		}
	}
	return []any{
		event.TenantID, event.AgentID, event.MessageID,
		event.EventType, event.Quantity, event.Timestamp, metadata,
	}, nil
}

// Record stores a single usage event.
func (m *PostgresMeter) Record(ctx context.Context, event Event) error {
	args, err := insertArgs(event, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, busUsageInsert, args...); err != nil {
		return fmt.Errorf("metering: record event: %w", err)
	}
	return nil
}

// RecordBatch stores a drained queue batch in one transaction, so a
// mid-batch failure never leaves partial usage behind.
func (m *PostgresMeter) RecordBatch(ctx context.Context, events []Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, busUsageInsert)
	if err != nil {
		return fmt.Errorf("metering: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, event := range events {
		args, err := insertArgs(event, now)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("metering: insert event for message %q: %w", event.MessageID, err)
		}
	}
	return tx.Commit()
}

// GetUsage aggregates a tenant's usage per event type over the period.
func (m *PostgresMeter) GetUsage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT event_type, SUM(quantity)
		FROM bus_usage
		WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		GROUP BY event_type
	`, tenantID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for rows.Next() {
		var eventType EventType
		var total int64
		if err := rows.Scan(&eventType, &total); err != nil {
			return nil, fmt.Errorf("metering: scan usage row: %w", err)
		}
		usage.Totals[eventType] = total
	}
	return usage, rows.Err()
}

// GetUsageByType aggregates one event type for a tenant over the
// period.
func (m *PostgresMeter) GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity)
		FROM bus_usage
		WHERE tenant_id = $1 AND event_type = $2 AND occurred_at >= $3 AND occurred_at < $4
	`, tenantID, eventType, period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metering: query usage by type: %w", err)
	}
	return total.Int64, nil
}
