// Package history keeps the append-only chat log: one row per turn with
// the owner, what they said, and what Ember replied. The core never
// reads it back; it exists for the widget's replay-on-load and for the
// humans debugging their thermostat's conversations.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn is one logged exchange.
type Turn struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists chat turns in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_turns (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			input      TEXT NOT NULL,
			output     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_turns_owner
			ON chat_turns(owner_id, created_at);
	`)
	return err
}

// Append records a completed turn.
func (s *Store) Append(owner, input, output string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("new turn id: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO chat_turns (id, owner_id, input, output, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id.String(), owner, input, output,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns the owner's most recent turns, oldest first, so the
// widget can replay them top to bottom.
func (s *Store) Recent(owner string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, owner_id, input, output, created_at
		 FROM chat_turns WHERE owner_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent turns for %s: %w", owner, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Owner, &t.Input, &t.Output, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
