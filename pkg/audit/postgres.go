package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// PostgresSink persists audit entries to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink wraps an open database handle.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgresSink connects with the given DSN and creates the schema.
func OpenPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := NewPostgresSink(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	tenant_id TEXT,
	decision TEXT NOT NULL,
	error_kind TEXT,
	policy_fingerprint TEXT,
	score DOUBLE PRECISION,
	routing_lane TEXT,
	votes_digest TEXT,
	constitutional_hash TEXT,
	severity TEXT NOT NULL,
	tags JSONB,
	anchored_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_message ON audit_entries(message_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_tenant_time ON audit_entries(tenant_id, created_at);
`

// Init creates the necessary tables.
func (s *PostgresSink) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	if err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	return nil
}

// Name identifies the sink in logs and breaker names.
func (s *PostgresSink) Name() string { return "postgres" }

// Write stores the batch in a single transaction. Replayed entries are
// deduplicated by entry id.
func (s *PostgresSink) Write(ctx context.Context, entries []contracts.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_entries (
			entry_id, message_id, tenant_id, decision, error_kind,
			policy_fingerprint, score, routing_lane, votes_digest,
			constitutional_hash, severity, tags, anchored_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (entry_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("audit: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		tags, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("audit: marshal tags for %q: %w", e.EntryID, err)
		}
		var anchored any
		if !e.AnchoredAt.IsZero() {
			anchored = e.AnchoredAt.UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			e.EntryID, e.MessageID, e.TenantID, e.Decision,
			string(e.ErrorKind), e.PolicyFingerprint, e.Score,
			string(e.RoutingLane), e.VotesDigest, e.ConstitutionalHash,
			string(e.Severity), tags, anchored, e.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("audit: insert entry %q: %w", e.EntryID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit batch: %w", err)
	}
	return nil
}

// Query returns entries for a message, oldest first.
func (s *PostgresSink) Query(ctx context.Context, messageID string) ([]contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, message_id, tenant_id, decision, error_kind,
		       policy_fingerprint, score, routing_lane, votes_digest,
		       constitutional_hash, severity, tags, anchored_at, created_at
		FROM audit_entries WHERE message_id = $1 ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.AuditEntry
	for rows.Next() {
		var (
			e        contracts.AuditEntry
			tags     []byte
			anchored sql.NullTime
			errKind  sql.NullString
		)
		if err := rows.Scan(&e.EntryID, &e.MessageID, &e.TenantID,
			&e.Decision, &errKind, &e.PolicyFingerprint, &e.Score,
			(*string)(&e.RoutingLane), &e.VotesDigest, &e.ConstitutionalHash,
			(*string)(&e.Severity), &tags, &anchored, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if errKind.Valid {
			e.ErrorKind = contracts.ErrorKind(errKind.String)
		}
		if anchored.Valid {
			e.AnchoredAt = anchored.Time
		}
		if len(tags) > 0 && !strings.EqualFold(string(tags), "null") {
			if err := json.Unmarshal(tags, &e.Tags); err != nil {
				return nil, fmt.Errorf("audit: decode tags for %q: %w", e.EntryID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database handle.
func (s *PostgresSink) Close() error { return s.db.Close() }
