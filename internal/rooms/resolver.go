package rooms

import (
	"log/slog"
)

// Resolver answers room-existence questions for the dispatcher and the
// orchestrator's system prompt, and creates rooms on demand.
type Resolver struct {
	store  *Store
	logger *slog.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// RoomsFor returns the names of all rooms recorded for the owner. A store
// failure degrades to an empty slice rather than an error: callers use
// this set purely advisorily for existence hints, and a broken read must
// not break the turn. The failure is logged at Error level so an outage
// is distinguishable from "no rooms" in the logs.
func (r *Resolver) RoomsFor(owner string) []string {
	list, err := r.store.List(owner)
	if err != nil {
		r.logger.Error("room listing failed, treating as no rooms known",
			"owner", owner, "error", err)
		return nil
	}
	names := make([]string, 0, len(list))
	for _, room := range list {
		names = append(names, room.Name)
	}
	return names
}

// Knows reports whether the owner has a room with the given name,
// degrading to false on store failure like [Resolver.RoomsFor].
func (r *Resolver) Knows(owner, name string) bool {
	for _, n := range r.RoomsFor(owner) {
		if n == name {
			return true
		}
	}
	return false
}

// EnsureRoom creates the room with the default temperature if it does not
// exist. Safe to call concurrently for the same (owner, name).
func (r *Resolver) EnsureRoom(owner, name string) error {
	return r.store.Ensure(owner, name)
}
