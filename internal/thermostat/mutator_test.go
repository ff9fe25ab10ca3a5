package thermostat

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ember-home/ember/internal/rooms"
	"github.com/ember-home/ember/internal/schedule"

	_ "modernc.org/sqlite"
)

type fixture struct {
	mutator *Mutator
	rooms   *rooms.Store
	changes *schedule.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	roomStore, err := rooms.NewStore(db)
	if err != nil {
		t.Fatalf("room store: %v", err)
	}
	changeStore, err := schedule.NewStore(db)
	if err != nil {
		t.Fatalf("change store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := rooms.NewResolver(roomStore, logger)
	return &fixture{
		mutator: New(logger, resolver, roomStore, changeStore),
		rooms:   roomStore,
		changes: changeStore,
	}
}

func TestSet_ImmediateCreatesRoomWithRequestedTemperature(t *testing.T) {
	f := setup(t)

	msg, err := f.mutator.Set(context.Background(), "alice", "kitchen", 25, 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !strings.Contains(msg, "kitchen") || !strings.Contains(msg, "25.0") {
		t.Errorf("confirmation missing room or value: %q", msg)
	}

	temp, err := f.rooms.Temperature("alice", "kitchen")
	if err != nil {
		t.Fatalf("temperature: %v", err)
	}
	// The room must hold the requested value, not the creation default.
	if temp != 25 {
		t.Errorf("temperature = %v, want 25", temp)
	}
}

func TestSet_DelayedDoesNotChangeVisibleTemperature(t *testing.T) {
	f := setup(t)

	if _, err := f.mutator.Set(context.Background(), "alice", "kitchen", 25, 0); err != nil {
		t.Fatalf("initial set: %v", err)
	}

	msg, err := f.mutator.Set(context.Background(), "alice", "kitchen", 18, 10*time.Minute)
	if err != nil {
		t.Fatalf("delayed set: %v", err)
	}
	if !strings.Contains(msg, "18.0") {
		t.Errorf("confirmation missing target value: %q", msg)
	}

	temp, err := f.rooms.Temperature("alice", "kitchen")
	if err != nil {
		t.Fatalf("temperature: %v", err)
	}
	if temp != 25 {
		t.Errorf("visible temperature changed to %v before due-time", temp)
	}

	pending, err := f.changes.PendingFor("alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending change, got %d", len(pending))
	}
	if pending[0].Temperature != 18 || pending[0].Room != "kitchen" {
		t.Errorf("unexpected pending change: %+v", pending[0])
	}
}

func TestSet_DueTimeArithmetic(t *testing.T) {
	f := setup(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	f.mutator.now = func() time.Time { return base }

	if _, err := f.mutator.Set(context.Background(), "alice", "kitchen", 18, 90*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	pending, err := f.changes.PendingFor("alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := base.Add(90 * time.Second).Truncate(time.Second)
	if !pending[0].DueAt.Equal(want) {
		t.Errorf("due = %v, want %v", pending[0].DueAt, want)
	}
}

func TestSet_RejectsOutOfRange(t *testing.T) {
	f := setup(t)

	for _, temp := range []float64{-51, 61, 451} {
		_, err := f.mutator.Set(context.Background(), "alice", "kitchen", temp, 0)
		if !errors.Is(err, ErrTemperatureOutOfRange) {
			t.Errorf("Set(%v) error = %v, want ErrTemperatureOutOfRange", temp, err)
		}
	}

	// The rejected request must not have created the room.
	if _, err := f.rooms.Temperature("alice", "kitchen"); !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Errorf("room was created by a rejected set: %v", err)
	}
}

func TestApplyStored_MissingRoom(t *testing.T) {
	f := setup(t)

	err := f.mutator.ApplyStored(context.Background(), "alice", "attic", 18)
	if !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}

	if _, err := f.rooms.Temperature("alice", "attic"); !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Error("ApplyStored fabricated a room")
	}
}
