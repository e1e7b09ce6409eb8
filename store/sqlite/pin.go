package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/pin"
)

// PinWorkflow inserts the pin; the primary key keeps runs from being
// re-pinned.
func (s *Store) PinWorkflow(ctx context.Context, p *pin.Pinned) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loom_pins (run_id, session_id, hash_ref, definition, pinned_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.RunID.String(), p.SessionID.String(), string(p.HashRef),
		p.Definition, p.PinnedAt.UTC().Format(time.RFC3339Nano),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("sqlite: run %s already pinned", p.RunID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: pin workflow: %w", err)
	}
	return nil
}

// GetPinned returns the pin for a run.
func (s *Store) GetPinned(ctx context.Context, runID id.ID) (*pin.Pinned, error) {
	var (
		p         pin.Pinned
		rawSess   string
		rawRef    string
		pinnedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, hash_ref, definition, pinned_at
		 FROM loom_pins WHERE run_id = ?`,
		runID.String(),
	).Scan(&rawSess, &rawRef, &p.Definition, &pinnedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: run %s: %w", runID, loom.ErrPinNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get pinned: %w", err)
	}
	p.RunID = runID
	p.HashRef = catalog.HashRef(rawRef)
	if p.SessionID, err = id.ParseSessionID(rawSess); err != nil {
		return nil, fmt.Errorf("sqlite: pin session id: %w", err)
	}
	if p.PinnedAt, err = time.Parse(time.RFC3339Nano, pinnedAt); err != nil {
		return nil, fmt.Errorf("sqlite: pin pinned_at: %w", err)
	}
	return &p, nil
}
