package journal

import (
	"context"
	"fmt"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
)

// Store defines the persistence contract for session event logs.
//
// Append is the only mutation path anywhere in the system; truth is
// never edited in place. The store does not arbitrate concurrent
// writers — serializing mutations to one session is the gate's job.
type Store interface {
	// AppendEvents durably persists a batch, assigning contiguous
	// sequence numbers (continuing from the session's current maximum)
	// into the passed events. The batch is atomic: after a crash either
	// every event is readable or none is — a partial batch must never
	// be observable.
	AppendEvents(ctx context.Context, sessionID id.ID, events []*Event) error

	// LoadEvents returns the session's events with Seq > afterSeq in
	// ascending sequence order. An unknown session yields an empty slice.
	LoadEvents(ctx context.Context, sessionID id.ID, afterSeq uint64) ([]*Event, error)
}

// SnapshotStore defines the persistence contract for truth checkpoints.
// Only the latest snapshot per session matters; backends may discard
// older ones.
type SnapshotStore interface {
	// SaveSnapshot persists a compacted checkpoint.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LatestSnapshot returns the most recent snapshot for a session, or
	// nil if none exists.
	LatestSnapshot(ctx context.Context, sessionID id.ID) (*Snapshot, error)
}

// Load folds a session's persisted state — latest snapshot, if any,
// plus tail events — into current truth. Returns loom.ErrSessionNotFound
// when the session has no snapshot and no events.
func Load(ctx context.Context, events Store, snaps SnapshotStore, sessionID id.ID) (*Truth, error) {
	base := NewTruth()
	var afterSeq uint64

	snap, err := snaps.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: load snapshot for %s: %w", sessionID, err)
	}
	if snap != nil {
		if base, err = snap.Truth(); err != nil {
			return nil, err
		}
		afterSeq = snap.AtSeq
	}

	tail, err := events.LoadEvents(ctx, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("journal: load events for %s: %w", sessionID, err)
	}
	if snap == nil && len(tail) == 0 {
		return nil, fmt.Errorf("%w: %s", loom.ErrSessionNotFound, sessionID)
	}

	return FoldFrom(base, tail)
}

// Append atomically commits a batch and returns the truth with the
// batch folded in. The input truth is left untouched; on any error the
// returned truth is nil and the log is unchanged.
func Append(ctx context.Context, st Store, truth *Truth, events []*Event) (*Truth, error) {
	if len(events) == 0 {
		return truth.Clone(), nil
	}
	if err := st.AppendEvents(ctx, truth.SessionID, events); err != nil {
		return nil, fmt.Errorf("journal: append to %s: %w", truth.SessionID, err)
	}
	return FoldFrom(truth, events)
}
