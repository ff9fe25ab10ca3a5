// Package thermostat applies temperature changes, immediately or
// deferred. It is a stateless request handler over the room and schedule
// stores: resolve the room, then either write the temperature now or
// persist a scheduled change for the runner to apply later.
package thermostat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ember-home/ember/internal/rooms"
	"github.com/ember-home/ember/internal/schedule"
)

// Temperatures outside this band are rejected before any state changes.
// Wide enough for any habitable space, narrow enough to catch unit
// confusion (Fahrenheit values, typos).
const (
	MinTemperature = -50.0
	MaxTemperature = 60.0
)

// ErrTemperatureOutOfRange is returned when a requested temperature falls
// outside [MinTemperature, MaxTemperature].
var ErrTemperatureOutOfRange = errors.New("temperature out of range")

// Mutator applies immediate and deferred temperature changes.
type Mutator struct {
	logger   *slog.Logger
	resolver *rooms.Resolver
	store    *rooms.Store
	changes  *schedule.Store

	now func() time.Time // overridable in tests
}

// New creates a mutator over the given resolver and stores.
func New(logger *slog.Logger, resolver *rooms.Resolver, store *rooms.Store, changes *schedule.Store) *Mutator {
	return &Mutator{
		logger:   logger,
		resolver: resolver,
		store:    store,
		changes:  changes,
		now:      time.Now,
	}
}

// Set changes a room's temperature, creating the room first if needed.
// A delay of zero (or negative) applies immediately; a positive delay
// persists a scheduled change instead, leaving the room's visible
// temperature untouched until the runner applies it. The returned string
// is the user-facing confirmation.
func (m *Mutator) Set(ctx context.Context, owner, room string, temperature float64, delay time.Duration) (string, error) {
	if temperature < MinTemperature || temperature > MaxTemperature {
		return "", fmt.Errorf("%w: %.1f°C (allowed %.0f..%.0f)",
			ErrTemperatureOutOfRange, temperature, MinTemperature, MaxTemperature)
	}

	if err := m.resolver.EnsureRoom(owner, room); err != nil {
		return "", fmt.Errorf("create room %q: %w", room, err)
	}

	if delay <= 0 {
		if err := m.store.SetTemperature(owner, room, temperature); err != nil {
			return "", fmt.Errorf("update room %q: %w", room, err)
		}
		m.logger.Info("temperature applied",
			"owner", owner, "room", room, "temperature", temperature)
		return fmt.Sprintf("%s is now set to %.1f°C.", room, temperature), nil
	}

	// Due-times are truncated to whole seconds; sub-second precision is
	// meaningless for a thermostat and noisy in confirmations.
	due := m.now().Add(delay).Truncate(time.Second)
	change := &schedule.Change{
		Owner:       owner,
		Room:        room,
		Temperature: temperature,
		DueAt:       due,
	}
	if err := m.changes.Create(change); err != nil {
		return "", fmt.Errorf("schedule change for room %q: %w", room, err)
	}

	m.logger.Info("temperature change scheduled",
		"id", change.ID, "owner", owner, "room", room,
		"temperature", temperature, "due", due)

	return fmt.Sprintf("Okay, %s will be set to %.1f°C at %s (in %s).",
		room, temperature, due.Format("15:04"), delay.Truncate(time.Second)), nil
}

// ApplyStored writes a scheduled temperature to an existing room. Unlike
// [Mutator.Set] it never creates the room: a change whose room vanished
// must not fabricate one, so [rooms.ErrRoomNotFound] propagates to the
// runner, which drops the entry.
func (m *Mutator) ApplyStored(_ context.Context, owner, room string, temperature float64) error {
	return m.store.SetTemperature(owner, room, temperature)
}
