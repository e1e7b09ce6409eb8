// Package journal implements the append-only per-session event log and
// the pure fold that derives execution truth from it.
//
// Truth — the node tree, edges, outputs, and lineage tip of a session —
// is always a deterministic fold over the event sequence; no mutable
// state exists outside that fold. Storage backends only need to supply
// an ordered event sequence and an atomic append; snapshots bound the
// replay cost of long sessions.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
)

// Kind identifies a domain event type.
type Kind string

const (
	// KindSessionStarted opens a session: it names the run, the root
	// node, the workflow, and the pinned hash ref.
	KindSessionStarted Kind = "session_started"

	// KindNodeOutputAppended attaches a caller-supplied output payload
	// to the acknowledged node.
	KindNodeOutputAppended Kind = "node_output_appended"

	// KindEdgeCreated links a parent node to a freshly minted child,
	// tagged with the advance cause.
	KindEdgeCreated Kind = "edge_created"

	// KindAdvanceRecorded commits one advance: the (node, output) basis,
	// the resulting child, and the next pending step. It is the record
	// idempotent replay is keyed against.
	KindAdvanceRecorded Kind = "advance_recorded"
)

// EdgeCause tags a parent→child edge with why it was created.
type EdgeCause string

const (
	// CauseTipAdvance is linear progress from the current lineage tip.
	CauseTipAdvance EdgeCause = "tip_advance"

	// CauseNonTipAdvance is a fork: the acknowledged node was no longer
	// the lineage tip, so the child starts a new branch.
	CauseNonTipAdvance EdgeCause = "non_tip_advance"
)

// Event is one immutable record in a session's log. Seq is assigned by
// the store at append time and is strictly monotonic per session.
type Event struct {
	ID        id.ID           `json:"id"`
	SessionID id.ID           `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent creates an unsequenced event with the payload marshaled in.
func NewEvent(sessionID id.ID, kind Kind, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal %s payload: %w", kind, err)
	}
	return &Event{
		ID:        id.NewEventID(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals an event payload into its typed form.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func DecodePayload[T any](e *Event) (*T, error) {
	var p T
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("journal: decode %s payload (seq %d): %w", e.Kind, e.Seq, err)
	}
	return &p, nil
}

// ──────────────────────────────────────────────────
// Typed payloads
// ──────────────────────────────────────────────────

// SessionStarted is the payload of KindSessionStarted.
type SessionStarted struct {
	RunID      id.ID           `json:"run_id"`
	RootNodeID id.ID           `json:"root_node_id"`
	WorkflowID string          `json:"workflow_id"`
	HashRef    catalog.HashRef `json:"hash_ref"`
	RootStepID string          `json:"root_step_id"`
}

// NodeOutputAppended is the payload of KindNodeOutputAppended.
type NodeOutputAppended struct {
	RunID  id.ID  `json:"run_id"`
	NodeID id.ID  `json:"node_id"`
	Output []byte `json:"output,omitempty"`
	Digest string `json:"digest"`
}

// EdgeCreated is the payload of KindEdgeCreated. StepID is the step
// pending at the new child node; empty means the lineage is complete.
type EdgeCreated struct {
	RunID    id.ID     `json:"run_id"`
	ParentID id.ID     `json:"parent_id"`
	ChildID  id.ID     `json:"child_id"`
	Cause    EdgeCause `json:"cause"`
	StepID   string    `json:"step_id,omitempty"`
}

// AdvanceRecorded is the payload of KindAdvanceRecorded.
type AdvanceRecorded struct {
	RunID        id.ID  `json:"run_id"`
	FromNodeID   id.ID  `json:"from_node_id"`
	ToNodeID     id.ID  `json:"to_node_id"`
	OutputDigest string `json:"output_digest"`
	NextStepID   string `json:"next_step_id,omitempty"`
	Complete     bool   `json:"complete"`
}
