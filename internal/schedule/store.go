// Package schedule holds the durable queue of deferred temperature
// changes and the runner that drives them to completion. A scheduled
// change is a row, not an in-process timer: pending work survives
// restarts and is applied by whichever tick sees it first.
package schedule

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Change is one pending temperature change. It references its room by
// (owner, name); the room must still exist when the change is applied.
type Change struct {
	ID          string
	Owner       string
	Room        string
	Temperature float64
	DueAt       time.Time
	CreatedAt   time.Time
}

// Store persists scheduled changes in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduled-change store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schedule: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_changes (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			room        TEXT NOT NULL,
			temperature REAL NOT NULL,
			due_at      TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_scheduled_changes_due_at
			ON scheduled_changes(due_at);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Create persists a new scheduled change, assigning an ID if unset.
// Due-times are truncated to whole seconds: due_at is compared and
// ordered as a string, and only second-precision RFC3339 is fixed-width
// enough for lexicographic order to match chronological order.
func (s *Store) Create(c *Change) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.DueAt = c.DueAt.UTC().Truncate(time.Second)

	_, err := s.db.Exec(
		`INSERT INTO scheduled_changes (id, owner_id, room, temperature, due_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Room, c.Temperature,
		c.DueAt.Format(time.RFC3339),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create scheduled change: %w", err)
	}
	return nil
}

// Due returns all changes whose due-time is at or before now, ordered by
// due-time ascending so multiple changes against the same room apply in
// their intended sequence.
func (s *Store) Due(now time.Time) ([]*Change, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, room, temperature, due_at, created_at
		 FROM scheduled_changes WHERE due_at <= ? ORDER BY due_at ASC`,
		now.UTC().Truncate(time.Second).Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query due changes: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// PendingFor returns an owner's not-yet-applied changes ordered by
// due-time, for display alongside room state.
func (s *Store) PendingFor(owner string) ([]*Change, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, room, temperature, due_at, created_at
		 FROM scheduled_changes WHERE owner_id = ? ORDER BY due_at ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending changes for %s: %w", owner, err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// Delete removes a change by ID, reporting whether a row was actually
// deleted. A false result means another tick already consumed the entry;
// callers treat that as success, which is what makes overlapping ticks
// harmless.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM scheduled_changes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete scheduled change %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete scheduled change %s: %w", id, err)
	}
	return n > 0, nil
}

func scanChanges(rows *sql.Rows) ([]*Change, error) {
	var result []*Change
	for rows.Next() {
		var c Change
		var dueAt, createdAt string
		if err := rows.Scan(&c.ID, &c.Owner, &c.Room, &c.Temperature, &dueAt, &createdAt); err != nil {
			return nil, err
		}
		c.DueAt, _ = time.Parse(time.RFC3339Nano, dueAt)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, &c)
	}
	return result, rows.Err()
}
