// Package auth manages owner accounts and session tokens. Accounts are
// rows with bcrypt password hashes; sessions are short-lived HS256 JWTs
// whose subject is the owner ID every store keys on.
package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers both unknown usernames and wrong
// passwords so a caller can't probe which usernames exist.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Owner is a registered account.
type Owner struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Store persists owner accounts in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an owner store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate auth: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS owners (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);
	`)
	return err
}

// Create registers a new owner with the given password.
func (s *Store) Create(username, password string) (*Owner, error) {
	if username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new owner id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(
		`INSERT INTO owners (id, username, password_hash, created_at)
		 VALUES (?, ?, ?, ?)`,
		id.String(), username, string(hash), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create owner %s: %w", username, err)
	}

	return &Owner{ID: id.String(), Username: username, CreatedAt: now}, nil
}

// Authenticate verifies a username/password pair and returns the owner.
// Any mismatch is [ErrInvalidCredentials].
func (s *Store) Authenticate(username, password string) (*Owner, error) {
	var o Owner
	var hash, createdAt string
	err := s.db.QueryRow(
		`SELECT id, username, password_hash, created_at FROM owners WHERE username = ?`,
		username,
	).Scan(&o.ID, &o.Username, &hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup owner %s: %w", username, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &o, nil
}
