package journal

import (
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
)

// Output is one output payload recorded against a node. A node gains a
// second record when it is forked from with a different output; earlier
// records are never rewritten.
type Output struct {
	Digest  string `json:"digest"`
	Payload []byte `json:"payload,omitempty"`
}

// Node is a point in execution history: "the state after the parent's
// step was acknowledged". StepID names the step pending at this node;
// empty means nothing further is pending on this branch.
type Node struct {
	ID       id.ID    `json:"id"`
	ParentID id.ID    `json:"parent_id"`
	StepID   string   `json:"step_id,omitempty"`
	Outputs  []Output `json:"outputs,omitempty"`
}

// Root reports whether this node is the session's root.
func (n *Node) Root() bool { return n.ParentID.IsNil() }

// Edge is a parent→child link tagged with its advance cause.
type Edge struct {
	ParentID id.ID     `json:"parent_id"`
	ChildID  id.ID     `json:"child_id"`
	Cause    EdgeCause `json:"cause"`
}

// Advance is the recorded outcome of one committed advance, keyed by
// its (node, output digest) basis. Replaying the same basis re-derives
// an identical response from this record instead of appending again.
type Advance struct {
	ToNodeID   id.ID  `json:"to_node_id"`
	NextStepID string `json:"next_step_id,omitempty"`
	Complete   bool   `json:"complete"`
}

// Truth is the current state of one session, derived purely by folding
// its event log. All maps are keyed by ID string so Truth serializes
// cleanly into snapshots.
type Truth struct {
	SessionID  id.ID              `json:"session_id"`
	RunID      id.ID              `json:"run_id"`
	WorkflowID string             `json:"workflow_id"`
	HashRef    catalog.HashRef    `json:"hash_ref"`
	RootNodeID id.ID              `json:"root_node_id"`
	TipID      id.ID              `json:"tip_id"`
	Seq        uint64             `json:"seq"`
	StartedAt  time.Time          `json:"started_at"`
	Nodes      map[string]*Node   `json:"nodes"`
	Edges      []Edge             `json:"edges,omitempty"`
	Advances   map[string]Advance `json:"advances,omitempty"`
}

// NewTruth returns an empty accumulator ready to fold a log from seq 1.
func NewTruth() *Truth {
	return &Truth{
		Nodes:    make(map[string]*Node),
		Advances: make(map[string]Advance),
	}
}

// AdvanceKey derives the replay-detection key for an advance basis.
func AdvanceKey(nodeID id.ID, outputDigest string) string {
	return nodeID.String() + "|" + outputDigest
}

// Node returns the node with the given ID.
func (t *Truth) Node(nodeID id.ID) (*Node, bool) {
	n, ok := t.Nodes[nodeID.String()]
	return n, ok
}

// IsTip reports whether nodeID is the current lineage tip.
func (t *Truth) IsTip(nodeID id.ID) bool {
	return !t.TipID.IsNil() && t.TipID.String() == nodeID.String()
}

// AdvanceFor returns the recorded advance for a (node, output digest)
// basis, if that exact advance was already committed.
func (t *Truth) AdvanceFor(nodeID id.ID, outputDigest string) (Advance, bool) {
	a, ok := t.Advances[AdvanceKey(nodeID, outputDigest)]
	return a, ok
}

// Children returns the outgoing edges of a node in creation order.
func (t *Truth) Children(nodeID id.ID) []Edge {
	var out []Edge
	for _, e := range t.Edges {
		if e.ParentID.String() == nodeID.String() {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy. Folding never mutates its input truth, so
// callers can hold the pre-append state for comparison or rollback.
func (t *Truth) Clone() *Truth {
	cp := *t
	cp.Nodes = make(map[string]*Node, len(t.Nodes))
	for k, n := range t.Nodes {
		nc := *n
		nc.Outputs = append([]Output(nil), n.Outputs...)
		cp.Nodes[k] = &nc
	}
	cp.Edges = append([]Edge(nil), t.Edges...)
	cp.Advances = make(map[string]Advance, len(t.Advances))
	for k, a := range t.Advances {
		cp.Advances[k] = a
	}
	return &cp
}

// Apply folds one event into the accumulator. Events must arrive in
// strict sequence order; a gap or an already-applied sequence returns
// loom.ErrSeqConflict.
func (t *Truth) Apply(e *Event) error {
	if e.Seq != t.Seq+1 {
		return fmt.Errorf("%w: event seq %d after %d", loom.ErrSeqConflict, e.Seq, t.Seq)
	}

	switch e.Kind {
	case KindSessionStarted:
		p, err := DecodePayload[SessionStarted](e)
		if err != nil {
			return err
		}
		t.SessionID = e.SessionID
		t.RunID = p.RunID
		t.WorkflowID = p.WorkflowID
		t.HashRef = p.HashRef
		t.RootNodeID = p.RootNodeID
		t.TipID = p.RootNodeID
		t.StartedAt = e.CreatedAt
		t.Nodes[p.RootNodeID.String()] = &Node{
			ID:     p.RootNodeID,
			StepID: p.RootStepID,
		}

	case KindNodeOutputAppended:
		p, err := DecodePayload[NodeOutputAppended](e)
		if err != nil {
			return err
		}
		n, ok := t.Nodes[p.NodeID.String()]
		if !ok {
			return fmt.Errorf("journal: output for unknown node %s (seq %d)", p.NodeID, e.Seq)
		}
		n.Outputs = append(n.Outputs, Output{Digest: p.Digest, Payload: p.Output})

	case KindEdgeCreated:
		p, err := DecodePayload[EdgeCreated](e)
		if err != nil {
			return err
		}
		if _, ok := t.Nodes[p.ParentID.String()]; !ok {
			return fmt.Errorf("journal: edge from unknown node %s (seq %d)", p.ParentID, e.Seq)
		}
		if _, dup := t.Nodes[p.ChildID.String()]; dup {
			return fmt.Errorf("journal: duplicate node %s (seq %d)", p.ChildID, e.Seq)
		}
		t.Nodes[p.ChildID.String()] = &Node{
			ID:       p.ChildID,
			ParentID: p.ParentID,
			StepID:   p.StepID,
		}
		t.Edges = append(t.Edges, Edge{ParentID: p.ParentID, ChildID: p.ChildID, Cause: p.Cause})
		// The new child is the current position, whether this was linear
		// progress or the first node of a fork branch.
		t.TipID = p.ChildID

	case KindAdvanceRecorded:
		p, err := DecodePayload[AdvanceRecorded](e)
		if err != nil {
			return err
		}
		t.Advances[AdvanceKey(p.FromNodeID, p.OutputDigest)] = Advance{
			ToNodeID:   p.ToNodeID,
			NextStepID: p.NextStepID,
			Complete:   p.Complete,
		}

	default:
		return fmt.Errorf("journal: unknown event kind %q (seq %d)", e.Kind, e.Seq)
	}

	t.Seq = e.Seq
	return nil
}

// Fold replays a full event sequence from seq 1 into a fresh Truth.
func Fold(events []*Event) (*Truth, error) {
	return FoldFrom(NewTruth(), events)
}

// FoldFrom replays tail events on top of a base truth (typically a
// decoded snapshot). The base is cloned, never mutated.
func FoldFrom(base *Truth, events []*Event) (*Truth, error) {
	t := base.Clone()
	for _, e := range events {
		if err := t.Apply(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}
