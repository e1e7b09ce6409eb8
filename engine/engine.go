// Package engine wires the loom subsystems together: the workflow
// catalog, the token codec, the session journal, the pin store, and
// the session gate. It exposes the three operations a client drives a
// session with — StartWorkflow, Advance, and Rehydrate — plus
// ContinueWorkflow, which dispatches between them based on which
// tokens the caller presents.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/token"
)

// PendingStep is the step the client must execute next.
type PendingStep struct {
	ID   string `json:"id"`
	Meta []byte `json:"meta,omitempty"`
}

// Continuation is the engine's response to every operation: where the
// session now stands and the tokens to present next. Tokens are minted
// deterministically, so replaying an operation yields byte-identical
// continuations.
type Continuation struct {
	SessionID id.ID `json:"session_id"`
	RunID     id.ID `json:"run_id"`
	NodeID    id.ID `json:"node_id"`

	// StateToken names the current position; present it to Rehydrate
	// or Advance. AckToken authorizes exactly one advance from this
	// position.
	StateToken string `json:"state_token"`
	AckToken   string `json:"ack_token,omitempty"`

	// Pending is the step awaiting execution, nil once the run is
	// complete.
	Pending  *PendingStep `json:"pending,omitempty"`
	Complete bool         `json:"complete"`
}

// Intent is a transport-agnostic request envelope for
// ContinueWorkflow.
type Intent struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	StateToken string `json:"state_token,omitempty"`
	AckToken   string `json:"ack_token,omitempty"`
	Output     []byte `json:"output,omitempty"`
}

// Engine executes workflow sessions against a store.
type Engine struct {
	store    store.Store
	registry *catalog.Registry
	codec    *token.Codec
	gate     *gate.Gate
	cfg      loom.Config
	logger   *slog.Logger
	chain    middleware.Middleware
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the default engine config.
func WithConfig(cfg loom.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMiddleware sets the middleware chain wrapped around every
// operation. The default chain is Recover → Tracing → Metrics.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.chain = middleware.Chain(mws...) }
}

// WithGate overrides the session gate. Useful to change the lock TTL
// or the retry-hint strategy:
//
//	engine.WithGate(gate.New(st,
//	    gate.WithTTL(10*time.Second),
//	    gate.WithRetryHint(backoff.NewConstant(50*time.Millisecond)),
//	))
func WithGate(g *gate.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// New creates an engine over a store, a workflow registry, and a token
// codec.
func New(st store.Store, registry *catalog.Registry, codec *token.Codec, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: registry,
		codec:    codec,
		cfg:      loom.DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gate == nil {
		e.gate = gate.New(st,
			gate.WithTTL(e.cfg.LockTTL),
			gate.WithRetryHint(backoff.NewConstant(e.cfg.RetryHint)),
			gate.WithLogger(e.logger),
		)
	}
	if e.chain == nil {
		e.chain = middleware.Chain(
			middleware.Recover(e.logger),
			middleware.Tracing(),
			middleware.Metrics(),
		)
	}
	return e
}

// ContinueWorkflow dispatches an intent to the right operation:
// no state token starts a workflow, a state token alone rehydrates,
// and a state token plus ack token advances.
func (e *Engine) ContinueWorkflow(ctx context.Context, in Intent) (*Continuation, error) {
	switch {
	case in.StateToken == "":
		return e.StartWorkflow(ctx, in.WorkflowID)
	case in.AckToken == "":
		return e.Rehydrate(ctx, in.StateToken)
	default:
		return e.Advance(ctx, in.StateToken, in.AckToken, in.Output)
	}
}

// Timeline returns the session's full event log in sequence order.
func (e *Engine) Timeline(ctx context.Context, sessionID id.ID) ([]*journal.Event, error) {
	events, err := e.store.LoadEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: timeline %s: %w", sessionID, err))
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("engine: timeline %s: %w", sessionID, loom.ErrSessionNotFound)
	}
	return events, nil
}

// ResumeInfo describes where a session currently stands: the run, the
// tip node, the step awaiting execution, and how far the journal has
// advanced.
type ResumeInfo struct {
	SessionID  id.ID        `json:"session_id"`
	RunID      id.ID        `json:"run_id"`
	WorkflowID string       `json:"workflow_id"`
	TipNodeID  id.ID        `json:"tip_node_id"`
	Seq        uint64       `json:"seq"`
	Pending    *PendingStep `json:"pending,omitempty"`
	Complete   bool         `json:"complete"`
}

// ResumeInfo reports the session's current position. Like Timeline it
// is an operator read: no gate lock, no token required, and it never
// appends events or mints tokens.
func (e *Engine) ResumeInfo(ctx context.Context, sessionID id.ID) (*ResumeInfo, error) {
	truth, _, err := e.loadTruth(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	node, ok := truth.Node(truth.TipID)
	if !ok {
		return nil, loom.NewFault(loom.FaultStorage,
			fmt.Errorf("engine: session %s: tip node %s missing from fold", sessionID, truth.TipID))
	}

	info := &ResumeInfo{
		SessionID:  truth.SessionID,
		RunID:      truth.RunID,
		WorkflowID: truth.WorkflowID,
		TipNodeID:  node.ID,
		Seq:        truth.Seq,
		Complete:   node.StepID == "",
	}
	if info.Complete {
		return info, nil
	}

	info.Pending = &PendingStep{ID: node.StepID}
	pinned, err := e.store.GetPinned(ctx, truth.RunID)
	if errors.Is(err, loom.ErrPinNotFound) {
		return nil, loom.NewFault(loom.FaultUnknownNode, fmt.Errorf("engine: run %s: %w", truth.RunID, err))
	}
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: load pin: %w", err))
	}
	def, err := pinned.Decode()
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage, err)
	}
	for _, s := range def.Steps {
		if s.ID == node.StepID {
			info.Pending.Meta = s.Meta
			break
		}
	}
	return info, nil
}

// run wraps an operation body in the middleware chain.
func (e *Engine) run(ctx context.Context, op *middleware.Operation, body func(ctx context.Context) (*Continuation, error)) (*Continuation, error) {
	var cont *Continuation
	err := e.chain(ctx, op, func(ctx context.Context) error {
		var err error
		cont, err = body(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cont, nil
}

// outputDigest is the identity of an advance basis: the sha256 of the
// raw output bytes, hex encoded.
func outputDigest(output []byte) string {
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:])
}

// mint builds the deterministic token pair for a position.
func (e *Engine) mint(sessionID, runID, nodeID id.ID, ref catalog.HashRef) (state, ack string, err error) {
	state, err = e.codec.Sign(token.Payload{
		Version:   token.Version,
		Kind:      token.KindState,
		SessionID: sessionID,
		RunID:     runID,
		NodeID:    nodeID,
		HashRef:   ref,
	})
	if err != nil {
		return "", "", fmt.Errorf("engine: mint state token: %w", err)
	}
	ack, err = e.codec.Sign(token.Payload{
		Version:   token.Version,
		Kind:      token.KindAck,
		SessionID: sessionID,
		RunID:     runID,
		NodeID:    nodeID,
		HashRef:   ref,
	})
	if err != nil {
		return "", "", fmt.Errorf("engine: mint ack token: %w", err)
	}
	return state, ack, nil
}

// continuation assembles the response for a position, resolving the
// pending step's metadata from the pinned definition.
func (e *Engine) continuation(truth *journal.Truth, node *journal.Node, def *catalog.Definition) (*Continuation, error) {
	state, ack, err := e.mint(truth.SessionID, truth.RunID, node.ID, truth.HashRef)
	if err != nil {
		return nil, err
	}
	cont := &Continuation{
		SessionID:  truth.SessionID,
		RunID:      truth.RunID,
		NodeID:     node.ID,
		StateToken: state,
		AckToken:   ack,
		Complete:   node.StepID == "",
	}
	if cont.Complete {
		cont.AckToken = ""
		return cont, nil
	}
	cont.Pending = &PendingStep{ID: node.StepID}
	for _, s := range def.Steps {
		if s.ID == node.StepID {
			cont.Pending.Meta = s.Meta
			break
		}
	}
	return cont, nil
}

// loadTruth folds the session's journal, starting from the latest
// snapshot when one exists. It returns the snapshot's sequence so
// callers can decide whether a new snapshot is due.
func (e *Engine) loadTruth(ctx context.Context, sessionID id.ID) (*journal.Truth, uint64, error) {
	snap, err := e.store.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, 0, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: load snapshot: %w", err))
	}

	base := journal.NewTruth()
	var snapSeq uint64
	if snap != nil {
		if base, err = snap.Truth(); err != nil {
			return nil, 0, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: decode snapshot: %w", err))
		}
		snapSeq = snap.AtSeq
	}

	events, err := e.store.LoadEvents(ctx, sessionID, snapSeq)
	if err != nil {
		return nil, 0, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: load events: %w", err))
	}
	if snap == nil && len(events) == 0 {
		return nil, 0, loom.NewFault(loom.FaultUnknownNode,
			fmt.Errorf("engine: %w: %s", loom.ErrSessionNotFound, sessionID))
	}

	truth, err := journal.FoldFrom(base, events)
	if err != nil {
		return nil, 0, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: fold session %s: %w", sessionID, err))
	}
	return truth, snapSeq, nil
}

// maybeSnapshot compacts the session when enough events accumulated
// past the last snapshot. Failures are logged, never surfaced: the
// journal stays the source of truth.
func (e *Engine) maybeSnapshot(ctx context.Context, truth *journal.Truth, snapSeq uint64) {
	if e.cfg.SnapshotEvery <= 0 || truth.Seq-snapSeq < uint64(e.cfg.SnapshotEvery) {
		return
	}
	snap, err := journal.NewSnapshot(truth)
	if err != nil {
		e.logger.Warn("snapshot build failed",
			"session_id", truth.SessionID.String(), "error", err)
		return
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn("snapshot save failed",
			"session_id", truth.SessionID.String(), "at_seq", snap.AtSeq, "error", err)
		return
	}
	e.logger.Debug("session compacted",
		"session_id", truth.SessionID.String(), "at_seq", snap.AtSeq)
}

// verifyPin checks a presented hash ref against the run's pinned
// workflow and returns the pinned definition.
func (e *Engine) verifyPin(ctx context.Context, runID id.ID, ref catalog.HashRef) (*catalog.Definition, error) {
	pinned, err := e.store.GetPinned(ctx, runID)
	if errors.Is(err, loom.ErrPinNotFound) {
		return nil, loom.NewFault(loom.FaultUnknownNode, fmt.Errorf("engine: run %s: %w", runID, err))
	}
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage, fmt.Errorf("engine: load pin: %w", err))
	}
	if !pinned.Verify(ref) {
		return nil, loom.NewFault(loom.FaultHashMismatch,
			fmt.Errorf("engine: %w: token %s, pinned %s", loom.ErrHashMismatch, ref, pinned.HashRef))
	}
	def, err := pinned.Decode()
	if err != nil {
		return nil, loom.NewFault(loom.FaultStorage, err)
	}
	return def, nil
}
