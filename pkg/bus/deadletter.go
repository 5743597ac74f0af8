package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"

	_ "modernc.org/sqlite"
)

// DeadLetter is a message that could not be drained before shutdown,
// together with why it ended up here.
type DeadLetter struct {
	Message  *contracts.Message `json:"message"`
	Reason   string             `json:"reason"`
	ParkedAt time.Time          `json:"parked_at"`
}

// DeadLetterStore persists non-drainable messages across restarts.
type DeadLetterStore interface {
	Park(ctx context.Context, msg *contracts.Message, reason string) error
	Load(ctx context.Context) ([]DeadLetter, error)
	Close() error
}

// SQLiteDeadLetterStore is the durable dead-letter store.
type SQLiteDeadLetterStore struct {
	db *sql.DB
}

// NewSQLiteDeadLetterStore opens (or creates) the store at path. Use
// ":memory:" for tests.
func NewSQLiteDeadLetterStore(path string) (*SQLiteDeadLetterStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bus: open dead-letter store: %w", err)
	}
	s := &SQLiteDeadLetterStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDeadLetterStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
    CREATE TABLE IF NOT EXISTS dead_letters (
        message_id TEXT NOT NULL,
        to_agent TEXT NOT NULL,
        reason TEXT NOT NULL,
        parked_at DATETIME NOT NULL,
        body JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_dead_letters_agent ON dead_letters(to_agent);`)
	if err != nil {
		return fmt.Errorf("bus: migrate dead-letter store: %w", err)
	}
	return nil
}

// Park records a non-drainable message.
func (s *SQLiteDeadLetterStore) Park(ctx context.Context, msg *contracts.Message, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal dead letter %q: %w", msg.MessageID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO dead_letters (message_id, to_agent, reason, parked_at, body)
        VALUES (?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ToAgent, reason,
		time.Now().UTC().Format(time.RFC3339Nano), body)
	if err != nil {
		return fmt.Errorf("bus: park dead letter %q: %w", msg.MessageID, err)
	}
	return nil
}

// Load returns all parked messages, oldest first.
func (s *SQLiteDeadLetterStore) Load(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, parked_at, body FROM dead_letters ORDER BY parked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("bus: load dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []DeadLetter
	for rows.Next() {
		var (
			reason string
			parked string
			body   []byte
		)
		if err := rows.Scan(&reason, &parked, &body); err != nil {
			return nil, err
		}
		var msg contracts.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("bus: decode dead letter: %w", err)
		}
		parkedAt, _ := time.Parse(time.RFC3339Nano, parked)
		letters = append(letters, DeadLetter{Message: &msg, Reason: reason, ParkedAt: parkedAt})
	}
	return letters, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteDeadLetterStore) Close() error { return s.db.Close() }
