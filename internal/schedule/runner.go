package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ember-home/ember/internal/rooms"
)

// Applier writes a previously scheduled temperature to an existing room.
// It must never create the room: if the room has vanished since the
// change was scheduled, it returns an error wrapping
// [rooms.ErrRoomNotFound] and the runner drops the entry.
type Applier interface {
	ApplyStored(ctx context.Context, owner, room string, temperature float64) error
}

// Runner drives due scheduled changes to completion. Tick may be invoked
// by the internal ticker, by an external HTTP trigger, or by both
// redundantly; overlapping ticks are safe because consumption is a
// delete-if-present on the store.
type Runner struct {
	logger   *slog.Logger
	store    *Store
	applier  Applier
	interval time.Duration

	// Now is the clock used to decide which changes are due. Tests
	// override it to fast-forward.
	Now func() time.Time
}

// NewRunner creates a runner. Interval controls the internal ticker used
// by [Runner.Run]; Tick can always be called directly regardless.
func NewRunner(logger *slog.Logger, store *Store, applier Applier, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		logger:   logger,
		store:    store,
		applier:  applier,
		interval: interval,
		Now:      time.Now,
	}
}

// Tick scans for due changes and applies them, returning the number of
// entries this tick both applied and consumed. Apply failures leave the
// entry in place for the next tick; a total store failure is returned to
// the caller and retried on the next tick.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	due, err := r.store.Due(r.Now())
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		err := r.applier.ApplyStored(ctx, c.Owner, c.Room, c.Temperature)
		switch {
		case err == nil:
			// fall through to delete
		case errors.Is(err, rooms.ErrRoomNotFound):
			// The room vanished between scheduling and execution.
			// Applying would fabricate a room, so drop the entry.
			r.logger.Warn("scheduled change targets a missing room, dropping",
				"id", c.ID, "owner", c.Owner, "room", c.Room)
		default:
			// Retryable: leave the entry for the next tick.
			r.logger.Warn("scheduled change apply failed, will retry",
				"id", c.ID, "owner", c.Owner, "room", c.Room, "error", err)
			continue
		}

		deleted, delErr := r.store.Delete(c.ID)
		if delErr != nil {
			r.logger.Error("scheduled change delete failed",
				"id", c.ID, "error", delErr)
			continue
		}
		if !deleted {
			// A concurrent tick consumed this entry first. The double
			// apply is harmless (same value, last write wins); only the
			// tick that deleted the row counts it.
			r.logger.Debug("scheduled change already consumed", "id", c.ID)
			continue
		}
		if err == nil {
			applied++
			r.logger.Info("scheduled change applied",
				"id", c.ID, "owner", c.Owner, "room", c.Room,
				"temperature", c.Temperature, "due", c.DueAt)
		}
	}

	return applied, nil
}

// Run ticks on a fixed interval until ctx is cancelled. Tick errors are
// logged and retried on the next interval, never fatal.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("scheduler runner started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler runner stopped")
			return
		case <-ticker.C:
			if n, err := r.Tick(ctx); err != nil {
				r.logger.Error("scheduler tick failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("scheduler tick complete", "applied", n)
			}
		}
	}
}
