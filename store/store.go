// Package store defines the aggregate persistence interface. Each
// subsystem (journal, pin, gate) defines its own store interface; the
// composite Store composes them all, so a single backend satisfies
// every persistence contract. Backends: Memory, FS, SQLite, and Redis.
package store

import (
	"context"

	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/pin"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; one backend
// implements all of them.
type Store interface {
	journal.Store
	journal.SnapshotStore
	pin.Store
	gate.LockStore

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}
