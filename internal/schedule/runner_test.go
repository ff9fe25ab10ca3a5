package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ember-home/ember/internal/rooms"
)

type recordedApply struct {
	owner, room string
	temperature float64
}

// fakeApplier records applies and fails rooms listed in failWith.
type fakeApplier struct {
	applied  []recordedApply
	failWith map[string]error // room name -> error
}

func (f *fakeApplier) ApplyStored(_ context.Context, owner, room string, temperature float64) error {
	if err, ok := f.failWith[room]; ok {
		return err
	}
	f.applied = append(f.applied, recordedApply{owner, room, temperature})
	return nil
}

func setupRunner(t *testing.T, applier Applier) (*Runner, *Store) {
	t.Helper()
	store := setupTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(logger, store, applier, time.Second), store
}

func TestRunner_TickAppliesDueInOrder(t *testing.T) {
	applier := &fakeApplier{}
	runner, store := setupRunner(t, applier)
	now := time.Now()

	if err := store.Create(&Change{Owner: "alice", Room: "kitchen", Temperature: 20, DueAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(&Change{Owner: "alice", Room: "kitchen", Temperature: 18, DueAt: now.Add(-2 * time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(&Change{Owner: "alice", Room: "kitchen", Temperature: 30, DueAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}
	if len(applier.applied) != 2 {
		t.Fatalf("expected 2 applies, got %d", len(applier.applied))
	}
	// Oldest due-time first, so the later-scheduled 20 wins last.
	if applier.applied[0].temperature != 18 || applier.applied[1].temperature != 20 {
		t.Errorf("applies out of order: %v", applier.applied)
	}

	// Nothing due remains except the future change.
	pending, err := store.PendingFor("alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Temperature != 30 {
		t.Errorf("unexpected remaining changes: %+v", pending)
	}
}

func TestRunner_TickIsIdempotent(t *testing.T) {
	applier := &fakeApplier{}
	runner, store := setupRunner(t, applier)

	if err := store.Create(&Change{Owner: "alice", Room: "kitchen", Temperature: 18, DueAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	second, err := runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}

	if first != 1 || second != 0 {
		t.Errorf("applied counts = %d, %d; want 1, 0", first, second)
	}
	if len(applier.applied) != 1 {
		t.Errorf("expected exactly 1 apply across both ticks, got %d", len(applier.applied))
	}
}

func TestRunner_ApplyFailureLeavesEntryForRetry(t *testing.T) {
	applier := &fakeApplier{failWith: map[string]error{"kitchen": fmt.Errorf("store unavailable")}}
	runner, store := setupRunner(t, applier)

	if err := store.Create(&Change{Owner: "alice", Room: "kitchen", Temperature: 18, DueAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}

	pending, err := store.PendingFor("alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("entry was consumed despite apply failure")
	}

	// Once the store recovers, the next tick applies it.
	applier.failWith = nil
	applied, err = runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if applied != 1 {
		t.Errorf("retry applied = %d, want 1", applied)
	}
}

func TestRunner_MissingRoomDropsEntry(t *testing.T) {
	applier := &fakeApplier{failWith: map[string]error{
		"attic": fmt.Errorf("apply: %w", rooms.ErrRoomNotFound),
	}}
	runner, store := setupRunner(t, applier)

	if err := store.Create(&Change{Owner: "alice", Room: "attic", Temperature: 18, DueAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := runner.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0 for a dropped entry", applied)
	}

	pending, err := store.PendingFor("alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("entry for missing room was not dropped: %+v", pending)
	}
	if len(applier.applied) != 0 {
		t.Errorf("missing room must not be applied, got %v", applier.applied)
	}
}

func TestRunner_TickSurfacesStoreFailure(t *testing.T) {
	applier := &fakeApplier{}
	store := setupTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(logger, store, applier, time.Second)

	// Break the store underneath the runner.
	store.db.Close()

	if _, err := runner.Tick(context.Background()); err == nil {
		t.Error("expected an error when the schedule store is unreachable")
	} else if errors.Is(err, rooms.ErrRoomNotFound) {
		t.Error("store failure must not masquerade as a room lookup failure")
	}
}
