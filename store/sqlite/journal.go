package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
)

// AppendEvents assigns sequence numbers and inserts the batch inside
// one immediate transaction, so the MAX(seq) read and the inserts are
// a single atomic step.
func (s *Store) AppendEvents(ctx context.Context, sessionID id.ID, events []*journal.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var last uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM loom_events WHERE session_id = ?`,
		sessionID.String(),
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("sqlite: last seq: %w", err)
	}

	for i, e := range events {
		e.Seq = last + uint64(i) + 1
		_, err := tx.ExecContext(ctx,
			`INSERT INTO loom_events (session_id, seq, id, kind, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID.String(), e.Seq, e.ID.String(), string(e.Kind),
			[]byte(e.Payload), e.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert event seq %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append: %w", err)
	}
	return nil
}

// LoadEvents returns the session's events with seq > afterSeq in order.
func (s *Store) LoadEvents(ctx context.Context, sessionID id.ID, afterSeq uint64) ([]*journal.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, payload, created_at
		 FROM loom_events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC`,
		sessionID.String(), afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load events: %w", err)
	}
	defer rows.Close()

	var out []*journal.Event
	for rows.Next() {
		var (
			e         journal.Event
			rawID     string
			kind      string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &rawID, &kind, (*[]byte)(&e.Payload), &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.SessionID = sessionID
		e.Kind = journal.Kind(kind)
		if e.ID, err = id.Parse(rawID); err != nil {
			return nil, fmt.Errorf("sqlite: event id: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: event created_at: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load events: %w", err)
	}
	return out, nil
}

// SaveSnapshot upserts the session snapshot, keeping the newest.
func (s *Store) SaveSnapshot(ctx context.Context, snap *journal.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loom_snapshots (session_id, id, at_seq, state, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			id = excluded.id,
			at_seq = excluded.at_seq,
			state = excluded.state,
			created_at = excluded.created_at
		 WHERE excluded.at_seq > loom_snapshots.at_seq`,
		snap.SessionID.String(), snap.ID.String(), snap.AtSeq,
		snap.State, snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the session's snapshot, or nil when none.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID id.ID) (*journal.Snapshot, error) {
	var (
		snap      journal.Snapshot
		rawID     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, at_seq, state, created_at
		 FROM loom_snapshots WHERE session_id = ?`,
		sessionID.String(),
	).Scan(&rawID, &snap.AtSeq, &snap.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest snapshot: %w", err)
	}
	snap.SessionID = sessionID
	if snap.ID, err = id.Parse(rawID); err != nil {
		return nil, fmt.Errorf("sqlite: snapshot id: %w", err)
	}
	if snap.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: snapshot created_at: %w", err)
	}
	return &snap, nil
}
