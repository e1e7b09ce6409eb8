// Package store defines the aggregate persistence interface.
//
// Each subsystem (journal, pin, gate) defines its own store interface.
// The composite [Store] composes them all. A single backend need only
// implement Store to satisfy every subsystem's persistence contract.
//
// The composite interface:
//
//	type Store interface {
//	    journal.Store         // append-only session event log
//	    journal.SnapshotStore // truth snapshots for compaction
//	    pin.Store             // per-run pinned workflow definitions
//	    gate.LockStore        // TTL session locks
//
//	    Migrate(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/fs — append-only files under a directory, single process
//   - store/sqlite — SQLite backend using mattn/go-sqlite3
//   - store/redis — Redis backend using go-redis/v9
//
// # Usage
//
//	import "github.com/loomworks/loom/store/sqlite"
//
//	s, err := sqlite.Open("loom.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := engine.New(s, registry, codec)
//
// # Contract Tests
//
// store/storetest holds the behavioral suite every backend must pass;
// each backend's tests run the same suite against its own Open path.
package store
