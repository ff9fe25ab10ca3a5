// Package rooms owns the per-owner room state: a persistent mapping of
// (owner, room name) to the room's current temperature. Rooms are created
// implicitly with a default temperature the first time they are referenced
// and are never deleted. All room state lives in SQLite so it survives
// restarts and is shared safely across concurrent request handlers.
package rooms

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultTemperature is assigned to a room created without an explicit
// target temperature.
const DefaultTemperature = 22.0

// ErrRoomNotFound is returned when an operation targets a room that does
// not exist for the owner.
var ErrRoomNotFound = errors.New("room not found")

// Room is one thermal zone belonging to an owner.
type Room struct {
	Owner       string
	Name        string
	Temperature float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists rooms in SQLite. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a room store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate rooms: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			owner_id    TEXT NOT NULL,
			name        TEXT NOT NULL,
			temperature REAL NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (owner_id, name)
		)
	`)
	return err
}

// Ensure inserts a room with the default temperature if it does not exist.
// Existing rooms are left untouched. The insert is atomic, so concurrent
// calls for the same (owner, name) never produce duplicates.
func (s *Store) Ensure(owner, name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO rooms (owner_id, name, temperature, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		owner, name, DefaultTemperature, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure room %s/%s: %w", owner, name, err)
	}
	return nil
}

// SetTemperature updates an existing room's temperature. It deliberately
// never creates a room: a scheduled change whose room has vanished must
// not leave a dangling room behind. Returns [ErrRoomNotFound] when the
// room does not exist.
func (s *Store) SetTemperature(owner, name string, temperature float64) error {
	res, err := s.db.Exec(
		`UPDATE rooms SET temperature = ?, updated_at = ? WHERE owner_id = ? AND name = ?`,
		temperature, time.Now().UTC().Format(time.RFC3339Nano), owner, name,
	)
	if err != nil {
		return fmt.Errorf("set temperature %s/%s: %w", owner, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set temperature %s/%s: %w", owner, name, err)
	}
	if n == 0 {
		return fmt.Errorf("set temperature %s/%s: %w", owner, name, ErrRoomNotFound)
	}
	return nil
}

// Temperature returns a room's current temperature. Returns
// [ErrRoomNotFound] when the room does not exist.
func (s *Store) Temperature(owner, name string) (float64, error) {
	var temp float64
	err := s.db.QueryRow(
		`SELECT temperature FROM rooms WHERE owner_id = ? AND name = ?`,
		owner, name,
	).Scan(&temp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRoomNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("temperature %s/%s: %w", owner, name, err)
	}
	return temp, nil
}

// List returns an owner's rooms ordered by name.
func (s *Store) List(owner string) ([]Room, error) {
	rows, err := s.db.Query(
		`SELECT owner_id, name, temperature, created_at, updated_at
		 FROM rooms WHERE owner_id = ? ORDER BY name ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms for %s: %w", owner, err)
	}
	defer rows.Close()
	return scanRooms(rows)
}

// ListAll returns every room across all owners, ordered by owner then
// name. Used by the MQTT publisher to mirror room state to the broker.
func (s *Store) ListAll() ([]Room, error) {
	rows, err := s.db.Query(
		`SELECT owner_id, name, temperature, created_at, updated_at
		 FROM rooms ORDER BY owner_id ASC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list all rooms: %w", err)
	}
	defer rows.Close()
	return scanRooms(rows)
}

func scanRooms(rows *sql.Rows) ([]Room, error) {
	var result []Room
	for rows.Next() {
		var r Room
		var createdAt, updatedAt string
		if err := rows.Scan(&r.Owner, &r.Name, &r.Temperature, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		result = append(result, r)
	}
	return result, rows.Err()
}
