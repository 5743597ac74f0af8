package deliberation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/acgs-platform/agentbus/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the persisted item schema. Items written by a
// different major version are rejected at open.
const SchemaVersion = "1.0.0"

// ErrItemNotFound is returned for unknown item ids.
var ErrItemNotFound = errors.New("deliberation: item not found")

// Store persists deliberation items across restarts.
type Store interface {
	Save(ctx context.Context, item *contracts.DeliberationItem) error
	Get(ctx context.Context, itemID string) (*contracts.DeliberationItem, error)
	// LoadPending returns all unresolved items, oldest first, for
	// recovery after restart.
	LoadPending(ctx context.Context) ([]*contracts.DeliberationItem, error)
	Close() error
}

// SQLiteStore is the durable item store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at path and verifies the
// schema version. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deliberation: open store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
    CREATE TABLE IF NOT EXISTS schema_meta (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        version TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS deliberation_items (
        item_id TEXT PRIMARY KEY,
        message_id TEXT NOT NULL,
        state TEXT NOT NULL,
        priority INTEGER NOT NULL,
        deadline DATETIME NOT NULL,
        enqueued_at DATETIME NOT NULL,
        body JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_items_state ON deliberation_items(state);`)
	if err != nil {
		return fmt.Errorf("deliberation: migrate: %w", err)
	}
	return s.checkSchema(ctx)
}

// checkSchema enforces major-version compatibility with whatever wrote
// the store last.
func (s *SQLiteStore) checkSchema(ctx context.Context) error {
	current := semver.MustParse(SchemaVersion)

	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO schema_meta (id, version) VALUES (1, ?)`, SchemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("deliberation: read schema version: %w", err)
	}

	v, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("deliberation: stored schema version %q is not semver: %w", stored, err)
	}
	if v.Major() != current.Major() {
		return fmt.Errorf("deliberation: store schema %s incompatible with %s", stored, SchemaVersion)
	}
	return nil
}

// Save upserts the item.
func (s *SQLiteStore) Save(ctx context.Context, item *contracts.DeliberationItem) error {
	if item.SchemaVersion == "" {
		item.SchemaVersion = SchemaVersion
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("deliberation: marshal item %q: %w", item.ItemID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO deliberation_items (item_id, message_id, state, priority, deadline, enqueued_at, body)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(item_id) DO UPDATE SET state = excluded.state, body = excluded.body`,
		item.ItemID, item.MessageID, string(item.State), int(item.Priority),
		item.Deadline.UTC().Format(time.RFC3339Nano),
		item.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		body)
	if err != nil {
		return fmt.Errorf("deliberation: save item %q: %w", item.ItemID, err)
	}
	return nil
}

// Get returns the item by id.
func (s *SQLiteStore) Get(ctx context.Context, itemID string) (*contracts.DeliberationItem, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM deliberation_items WHERE item_id = ?`, itemID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deliberation: get item %q: %w", itemID, err)
	}
	return unmarshalItem(body)
}

// LoadPending returns unresolved items oldest first.
func (s *SQLiteStore) LoadPending(ctx context.Context) ([]*contracts.DeliberationItem, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT body FROM deliberation_items
        WHERE state IN (?, ?)
        ORDER BY enqueued_at ASC`,
		string(contracts.DeliberationPending), string(contracts.DeliberationInReview))
	if err != nil {
		return nil, fmt.Errorf("deliberation: load pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*contracts.DeliberationItem
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		item, err := unmarshalItem(body)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func unmarshalItem(body []byte) (*contracts.DeliberationItem, error) {
	var item contracts.DeliberationItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("deliberation: decode item: %w", err)
	}
	return &item, nil
}
