package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/id"
)

// Snapshot is a compacted truth checkpoint as of AtSeq. Combined with
// the events after AtSeq it reconstructs truth identical to a full
// replay from sequence zero — backends store it verbatim and never
// look inside State.
type Snapshot struct {
	ID        id.ID     `json:"id"`
	SessionID id.ID     `json:"session_id"`
	AtSeq     uint64    `json:"at_seq"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSnapshot compacts a truth into a snapshot at its current sequence.
func NewSnapshot(t *Truth) (*Snapshot, error) {
	state, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal snapshot state: %w", err)
	}
	return &Snapshot{
		ID:        id.NewSnapshotID(),
		SessionID: t.SessionID,
		AtSeq:     t.Seq,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Truth decodes the compacted state back into a fold accumulator.
func (s *Snapshot) Truth() (*Truth, error) {
	t := NewTruth()
	if err := json.Unmarshal(s.State, t); err != nil {
		return nil, fmt.Errorf("journal: decode snapshot %s state: %w", s.ID, err)
	}
	if t.Nodes == nil {
		t.Nodes = make(map[string]*Node)
	}
	if t.Advances == nil {
		t.Advances = make(map[string]Advance)
	}
	if t.Seq != s.AtSeq {
		return nil, fmt.Errorf("journal: snapshot %s state at seq %d, recorded %d", s.ID, t.Seq, s.AtSeq)
	}
	return t, nil
}
