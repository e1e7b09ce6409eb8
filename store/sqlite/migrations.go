package sqlite

import (
	"context"
	"fmt"
)

// schema is idempotent; Migrate can run at every startup.
const schema = `
CREATE TABLE IF NOT EXISTS loom_events (
	session_id  TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	id          TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	payload     BLOB,
	created_at  TEXT    NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS loom_snapshots (
	session_id  TEXT    PRIMARY KEY,
	id          TEXT    NOT NULL,
	at_seq      INTEGER NOT NULL,
	state       BLOB    NOT NULL,
	created_at  TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS loom_pins (
	run_id      TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	hash_ref    TEXT NOT NULL,
	definition  BLOB NOT NULL,
	pinned_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS loom_locks (
	session_id   TEXT    PRIMARY KEY,
	owner        TEXT    NOT NULL,
	acquired_at  INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
`

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}
