package rooms

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolver_RoomsForEmpty(t *testing.T) {
	store := setupTestStore(t)
	r := NewResolver(store, discardLogger())

	if names := r.RoomsFor("alice"); len(names) != 0 {
		t.Errorf("expected no rooms, got %v", names)
	}
	if r.Knows("alice", "kitchen") {
		t.Error("Knows returned true for unknown room")
	}
}

func TestResolver_EnsureAndKnows(t *testing.T) {
	store := setupTestStore(t)
	r := NewResolver(store, discardLogger())

	if err := r.EnsureRoom("alice", "kitchen"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if !r.Knows("alice", "kitchen") {
		t.Error("Knows returned false for existing room")
	}
	if r.Knows("bob", "kitchen") {
		t.Error("room leaked across owners")
	}

	names := r.RoomsFor("alice")
	if len(names) != 1 || names[0] != "kitchen" {
		t.Errorf("RoomsFor = %v, want [kitchen]", names)
	}
}

func TestResolver_RoomsForDegradesOnStoreFailure(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	r := NewResolver(store, discardLogger())

	// Closing the database makes every read fail; the resolver must
	// degrade to "no rooms known" rather than surfacing the error.
	db.Close()

	if names := r.RoomsFor("alice"); names != nil {
		t.Errorf("expected nil on store failure, got %v", names)
	}
}
