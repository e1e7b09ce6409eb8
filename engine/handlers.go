package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/pin"
	"github.com/loomworks/loom/token"
)

// parseToken decodes and verifies a token, mapping codec errors to
// fault kinds.
func (e *Engine) parseToken(tok string, kind token.Kind) (token.Payload, error) {
	p, err := e.codec.Parse(tok)
	if err != nil {
		if errors.Is(err, loom.ErrTokenSignature) {
			return p, loom.NewFault(loom.FaultTokenSignature, err)
		}
		return p, loom.NewFault(loom.FaultTokenDecode, err)
	}
	if p.Kind != kind {
		return p, loom.NewFault(loom.FaultTokenDecode,
			fmt.Errorf("engine: %w: got %s token, want %s", loom.ErrTokenDecode, p.Kind, kind))
	}
	return p, nil
}

// StartWorkflow creates a new session for a registered workflow: it
// pins the definition, journals the session start, and returns the
// continuation for the root step.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string) (*Continuation, error) {
	op := &middleware.Operation{Name: "start", WorkflowID: workflowID}
	return e.run(ctx, op, func(ctx context.Context) (*Continuation, error) {
		def, ok := e.registry.Resolve(workflowID)
		if !ok {
			return nil, fmt.Errorf("engine: %w: %q", loom.ErrWorkflowNotFound, workflowID)
		}

		sessID, runID, rootID := id.NewSessionID(), id.NewRunID(), id.NewNodeID()
		op.SessionID = sessID.String()

		pinned, err := pin.Pin(sessID, runID, def)
		if err != nil {
			return nil, loom.NewFault(loom.FaultStorage, err)
		}
		if err := e.store.PinWorkflow(ctx, pinned); err != nil {
			return nil, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: pin workflow: %w", err))
		}

		evt, err := journal.NewEvent(sessID, journal.KindSessionStarted, &journal.SessionStarted{
			RunID:      runID,
			RootNodeID: rootID,
			WorkflowID: workflowID,
			HashRef:    pinned.HashRef,
			RootStepID: def.RootStep(),
		})
		if err != nil {
			return nil, loom.NewFault(loom.FaultStorage, err)
		}
		truth, err := journal.Append(ctx, e.store, journal.NewTruth(), []*journal.Event{evt})
		if err != nil {
			return nil, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: start session: %w", err))
		}

		root, _ := truth.Node(rootID)
		e.logger.Info("session started",
			"session_id", sessID.String(),
			"workflow_id", workflowID,
			"hash_ref", string(pinned.HashRef))
		return e.continuation(truth, root, def)
	})
}

// Rehydrate resolves a state token back into a continuation without
// writing anything: it folds the journal, verifies the token against
// the pinned workflow, and re-mints the token pair for the same node.
// Calling it any number of times leaves the session untouched.
func (e *Engine) Rehydrate(ctx context.Context, stateToken string) (*Continuation, error) {
	op := &middleware.Operation{Name: "rehydrate"}
	return e.run(ctx, op, func(ctx context.Context) (*Continuation, error) {
		p, err := e.parseToken(stateToken, token.KindState)
		if err != nil {
			return nil, err
		}
		op.SessionID = p.SessionID.String()

		truth, _, err := e.loadTruth(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if truth.RunID.String() != p.RunID.String() {
			return nil, loom.NewFault(loom.FaultUnknownNode,
				fmt.Errorf("engine: token run %s does not belong to session %s", p.RunID, p.SessionID))
		}
		op.WorkflowID = truth.WorkflowID

		def, err := e.verifyPin(ctx, p.RunID, p.HashRef)
		if err != nil {
			return nil, err
		}

		node, ok := truth.Node(p.NodeID)
		if !ok {
			return nil, loom.NewFault(loom.FaultUnknownNode,
				fmt.Errorf("engine: %w: %s", loom.ErrNodeNotFound, p.NodeID))
		}
		return e.continuation(truth, node, def)
	})
}

// Advance commits one step execution: it verifies the token pair,
// takes the session lock, journals the output and the new node, and
// returns the continuation for the next step. Replaying the same
// (ack, output) pair returns the already-committed result without
// appending anything.
//
// Advancing from a node that is no longer the tip forks the session: a
// sibling branch is created and becomes the new tip, while the prior
// branch stays in the journal untouched.
func (e *Engine) Advance(ctx context.Context, stateToken, ackToken string, output []byte) (*Continuation, error) {
	op := &middleware.Operation{Name: "advance"}
	return e.run(ctx, op, func(ctx context.Context) (*Continuation, error) {
		p, err := e.parseToken(stateToken, token.KindState)
		if err != nil {
			return nil, err
		}
		ack, err := e.parseToken(ackToken, token.KindAck)
		if err != nil {
			return nil, err
		}
		if p.SessionID.String() != ack.SessionID.String() ||
			p.RunID.String() != ack.RunID.String() ||
			p.NodeID.String() != ack.NodeID.String() ||
			p.HashRef != ack.HashRef {
			return nil, loom.NewFault(loom.FaultTokenDecode,
				fmt.Errorf("engine: %w", loom.ErrTokenPair))
		}
		op.SessionID = p.SessionID.String()

		var cont *Continuation
		err = e.gate.WithLock(ctx, p.SessionID, func(ctx context.Context) error {
			cont, err = e.advanceLocked(ctx, op, p, output)
			return err
		})
		if err != nil {
			return nil, err
		}
		return cont, nil
	})
}

// advanceLocked is the body of Advance, run while holding the session
// lock.
func (e *Engine) advanceLocked(ctx context.Context, op *middleware.Operation, p token.Payload, output []byte) (*Continuation, error) {
	truth, snapSeq, err := e.loadTruth(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if truth.RunID.String() != p.RunID.String() {
		return nil, loom.NewFault(loom.FaultUnknownNode,
			fmt.Errorf("engine: token run %s does not belong to session %s", p.RunID, p.SessionID))
	}
	op.WorkflowID = truth.WorkflowID

	def, err := e.verifyPin(ctx, p.RunID, p.HashRef)
	if err != nil {
		return nil, err
	}

	node, ok := truth.Node(p.NodeID)
	if !ok {
		return nil, loom.NewFault(loom.FaultUnknownNode,
			fmt.Errorf("engine: %w: %s", loom.ErrNodeNotFound, p.NodeID))
	}

	digest := outputDigest(output)

	// Idempotent replay: this exact advance was already committed.
	if adv, ok := truth.AdvanceFor(node.ID, digest); ok {
		target, ok := truth.Node(adv.ToNodeID)
		if !ok {
			return nil, loom.NewFault(loom.FaultStorage,
				fmt.Errorf("engine: advance record points at missing node %s", adv.ToNodeID))
		}
		e.logger.Debug("advance replayed",
			"session_id", truth.SessionID.String(),
			"node_id", node.ID.String(),
			"digest", digest)
		return e.continuation(truth, target, def)
	}

	if node.StepID == "" {
		return nil, fmt.Errorf("engine: node %s: %w", node.ID, loom.ErrRunComplete)
	}
	nextStep, err := def.StepAfter(node.StepID)
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage,
			fmt.Errorf("engine: pinned definition: %w", err))
	}

	newID := id.NewNodeID()
	cause := journal.CauseNonTipAdvance
	if truth.IsTip(node.ID) {
		cause = journal.CauseTipAdvance
	}

	batch := make([]*journal.Event, 0, 3)
	for _, ev := range []struct {
		kind    journal.Kind
		payload any
	}{
		{journal.KindNodeOutputAppended, &journal.NodeOutputAppended{
			RunID: truth.RunID, NodeID: node.ID, Output: output, Digest: digest,
		}},
		{journal.KindEdgeCreated, &journal.EdgeCreated{
			RunID: truth.RunID, ParentID: node.ID, ChildID: newID, Cause: cause, StepID: nextStep,
		}},
		{journal.KindAdvanceRecorded, &journal.AdvanceRecorded{
			RunID: truth.RunID, FromNodeID: node.ID, ToNodeID: newID,
			OutputDigest: digest, NextStepID: nextStep, Complete: nextStep == "",
		}},
	} {
		evt, err := journal.NewEvent(truth.SessionID, ev.kind, ev.payload)
		if err != nil {
			return nil, loom.NewFault(loom.FaultStorage, err)
		}
		batch = append(batch, evt)
	}

	newTruth, err := journal.Append(ctx, e.store, truth, batch)
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: commit advance: %w", err))
	}

	e.maybeSnapshot(ctx, newTruth, snapSeq)

	e.logger.Info("session advanced",
		"session_id", truth.SessionID.String(),
		"from_node", node.ID.String(),
		"to_node", newID.String(),
		"cause", string(cause),
		"complete", nextStep == "")

	target, _ := newTruth.Node(newID)
	return e.continuation(newTruth, target, def)
}
