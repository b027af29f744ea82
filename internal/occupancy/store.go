package occupancy

import (
	"context"
	"errors"
)

// ErrNotFound is returned by store lookups for rooms that were never
// registered or whose record has expired.
var ErrNotFound = errors.New("occupancy: room not found")

// Store is the external persistence and broadcast surface the engine
// writes through. Implementations are expected to bound record lifetime
// (occupancy is a soft, heartbeat-style signal, not a ledger) and to
// publish every mutation on a channel other process instances can
// observe.
type Store interface {
	// SaveRoom persists a room record, refreshing its lifetime.
	SaveRoom(ctx context.Context, room *Room) error

	// LoadRoom fetches a room record, or ErrNotFound.
	LoadRoom(ctx context.Context, roomID string) (*Room, error)

	// RoomIDs enumerates all persisted room ids in this engine's
	// namespace.
	RoomIDs(ctx context.Context) ([]string, error)

	// PublishUpdate broadcasts a room mutation to other instances and
	// dashboard consumers.
	PublishUpdate(ctx context.Context, room *Room) error

	// SubscribeUpdates opens a dedicated listener (distinct from the
	// primary connection) and invokes fn for every published update
	// until the returned stop function is called or ctx ends.
	SubscribeUpdates(ctx context.Context, fn func(Room)) (stop func(), err error)

	// Ping reports store reachability, for health probes.
	Ping(ctx context.Context) error

	// Close releases the primary connection.
	Close() error
}
