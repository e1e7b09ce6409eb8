// Package pin stores the exact workflow definition a run started
// against. A run always resumes against its pinned bytes, not whatever
// the registry currently holds, so later edits to a workflow cannot
// silently change in-flight sessions.
package pin

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
)

// Pinned is one run's frozen workflow definition.
type Pinned struct {
	RunID      id.ID           `json:"run_id"`
	SessionID  id.ID           `json:"session_id"`
	HashRef    catalog.HashRef `json:"hash_ref"`
	Definition []byte          `json:"definition"`
	PinnedAt   time.Time       `json:"pinned_at"`
}

// Store persists pinned definitions keyed by run ID.
type Store interface {
	// PinWorkflow records the definition a run starts against. Pinning
	// the same run twice is an error; pins are immutable.
	PinWorkflow(ctx context.Context, p *Pinned) error

	// GetPinned returns the pin for a run, or loom.ErrPinNotFound.
	GetPinned(ctx context.Context, runID id.ID) (*Pinned, error)
}

// Pin encodes a definition and builds the pin record for a new run.
func Pin(sessionID, runID id.ID, def *catalog.Definition) (*Pinned, error) {
	raw, err := def.Encode()
	if err != nil {
		return nil, fmt.Errorf("pin: encode %s: %w", def.ID, err)
	}
	ref, err := catalog.Ref(def)
	if err != nil {
		return nil, fmt.Errorf("pin: hash %s: %w", def.ID, err)
	}
	return &Pinned{
		RunID:      runID,
		SessionID:  sessionID,
		HashRef:    ref,
		Definition: raw,
		PinnedAt:   time.Now().UTC(),
	}, nil
}

// Definition decodes the pinned bytes back into a workflow definition.
func (p *Pinned) Decode() (*catalog.Definition, error) {
	def, err := catalog.Decode(p.Definition)
	if err != nil {
		return nil, fmt.Errorf("pin: decode run %s: %w", p.RunID, err)
	}
	return def, nil
}

// Verify checks that a presented hash ref matches the pinned one.
func (p *Pinned) Verify(ref catalog.HashRef) bool {
	return p.HashRef == ref
}
