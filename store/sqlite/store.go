// Package sqlite implements store.Store on SQLite via mattn/go-sqlite3.
// One file, WAL mode, immediate transactions for appends. Good for
// single-node deployments that need durability without a server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/pin"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ journal.Store         = (*Store)(nil)
	_ journal.SnapshotStore = (*Store)(nil)
	_ pin.Store             = (*Store)(nil)
	_ gate.LockStore        = (*Store)(nil)
)

// Store implements the composite store.Store interface backed by a
// SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (or creates) a SQLite database at path. The store owns
// the connection; Close closes it. Use ":memory:" for an ephemeral
// database.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite allows one writer; funnel everything through one
	// connection so the driver serializes instead of erroring.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
