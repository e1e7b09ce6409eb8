package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/token"
)

func onboardingDef() *catalog.Definition {
	return &catalog.Definition{
		ID: "onboarding",
		Steps: []catalog.Step{
			{ID: "collect", Meta: []byte(`{"fields":["email"]}`)},
			{ID: "verify"},
			{ID: "activate"},
		},
	}
}

type testRig struct {
	eng   *engine.Engine
	store *memory.Store
	codec *token.Codec
	reg   *catalog.Registry
}

func newRig(t *testing.T, opts ...engine.Option) *testRig {
	t.Helper()
	st := memory.New()
	reg := catalog.NewRegistry()
	reg.MustRegister(onboardingDef())
	codec := token.NewCodec(token.NewStaticKeyring("k1", []byte("0123456789abcdef0123456789abcdef")))

	opts = append([]engine.Option{
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return &testRig{
		eng:   engine.New(st, reg, codec, opts...),
		store: st,
		codec: codec,
		reg:   reg,
	}
}

func mustAdvance(t *testing.T, r *testRig, cont *engine.Continuation, output string) *engine.Continuation {
	t.Helper()
	next, err := r.eng.Advance(context.Background(), cont.StateToken, cont.AckToken, []byte(output))
	if err != nil {
		t.Fatalf("Advance(%q): %v", output, err)
	}
	return next
}

func TestStartWorkflow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cont, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if cont.Complete {
		t.Error("fresh session reported complete")
	}
	if cont.Pending == nil || cont.Pending.ID != "collect" {
		t.Errorf("pending = %+v, want collect", cont.Pending)
	}
	if string(cont.Pending.Meta) != `{"fields":["email"]}` {
		t.Errorf("pending meta = %s", cont.Pending.Meta)
	}
	if !strings.HasPrefix(cont.StateToken, "lst1") {
		t.Errorf("state token %q lacks lst1 prefix", cont.StateToken)
	}
	if !strings.HasPrefix(cont.AckToken, "lak1") {
		t.Errorf("ack token %q lacks lak1 prefix", cont.AckToken)
	}

	events, err := r.eng.Timeline(ctx, cont.SessionID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(events) != 1 || events[0].Kind != journal.KindSessionStarted {
		t.Errorf("timeline = %d events, want one session_started", len(events))
	}

	if _, err := r.eng.StartWorkflow(ctx, "nope"); !errors.Is(err, loom.ErrWorkflowNotFound) {
		t.Errorf("unknown workflow: %v, want ErrWorkflowNotFound", err)
	}
}

func TestThreeStepCompletion(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cont, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	cont = mustAdvance(t, r, cont, "collected")
	if cont.Pending == nil || cont.Pending.ID != "verify" {
		t.Fatalf("after collect: pending %+v, want verify", cont.Pending)
	}

	cont = mustAdvance(t, r, cont, "verified")
	if cont.Pending == nil || cont.Pending.ID != "activate" {
		t.Fatalf("after verify: pending %+v, want activate", cont.Pending)
	}

	cont = mustAdvance(t, r, cont, "activated")
	if !cont.Complete {
		t.Fatal("run not complete after final step")
	}
	if cont.Pending != nil {
		t.Errorf("complete run still has pending %+v", cont.Pending)
	}
	if cont.AckToken != "" {
		t.Error("complete run was handed an ack token")
	}

	// 1 start + 3 advances × 3 events.
	events, err := r.eng.Timeline(ctx, cont.SessionID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("timeline = %d events, want 10", len(events))
	}
}

func TestAdvanceIdempotentReplay(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	first := mustAdvance(t, r, start, "collected")
	eventsAfter, _ := r.eng.Timeline(ctx, start.SessionID)

	// Same ack, same output: the committed result comes back
	// byte-identical and nothing new is journaled.
	replay, err := r.eng.Advance(ctx, start.StateToken, start.AckToken, []byte("collected"))
	if err != nil {
		t.Fatalf("replayed Advance: %v", err)
	}
	if !reflect.DeepEqual(first, replay) {
		t.Errorf("replay differs:\nfirst:  %+v\nreplay: %+v", first, replay)
	}

	eventsNow, _ := r.eng.Timeline(ctx, start.SessionID)
	if len(eventsNow) != len(eventsAfter) {
		t.Errorf("replay appended events: %d -> %d", len(eventsAfter), len(eventsNow))
	}

	var advances int
	for _, e := range eventsNow {
		if e.Kind == journal.KindAdvanceRecorded {
			advances++
		}
	}
	if advances != 1 {
		t.Errorf("advance_recorded count = %d, want 1", advances)
	}
}

func TestForkAfterRehydrate(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	branchA := mustAdvance(t, r, start, "answer A")

	// An old client rehydrates the root position and answers
	// differently: a sibling branch, not an overwrite.
	rehydrated, err := r.eng.Rehydrate(ctx, start.StateToken)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	branchB, err := r.eng.Advance(ctx, rehydrated.StateToken, rehydrated.AckToken, []byte("answer B"))
	if err != nil {
		t.Fatalf("fork Advance: %v", err)
	}

	if branchB.NodeID.String() == branchA.NodeID.String() {
		t.Fatal("fork reused the prior branch's node")
	}
	if branchB.Pending == nil || branchB.Pending.ID != "verify" {
		t.Errorf("fork pending = %+v, want verify", branchB.Pending)
	}

	// The journal shows two edges out of the root, the second caused
	// by a non-tip advance, and the prior branch's history intact.
	events, err := r.eng.Timeline(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	truth, err := journal.Fold(events)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}

	kids := truth.Children(start.NodeID)
	if len(kids) != 2 {
		t.Fatalf("root has %d children, want 2", len(kids))
	}
	if kids[0].Cause != journal.CauseTipAdvance {
		t.Errorf("first edge cause = %s", kids[0].Cause)
	}
	if kids[1].Cause != journal.CauseNonTipAdvance {
		t.Errorf("fork edge cause = %s", kids[1].Cause)
	}
	if !truth.IsTip(branchB.NodeID) {
		t.Errorf("tip = %s, want fork child %s", truth.TipID, branchB.NodeID)
	}
	if _, ok := truth.Node(branchA.NodeID); !ok {
		t.Error("prior branch vanished after fork")
	}

	// The prior branch is still advanceable. Only one position is the
	// tip at a time, so continuing the older branch is itself recorded
	// as a non-tip advance.
	if _, err := r.eng.Advance(ctx, branchA.StateToken, branchA.AckToken, []byte("continue A")); err != nil {
		t.Fatalf("advancing prior branch: %v", err)
	}
	events, err = r.eng.Timeline(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if truth, err = journal.Fold(events); err != nil {
		t.Fatalf("Fold: %v", err)
	}
	aKids := truth.Children(branchA.NodeID)
	if len(aKids) != 1 {
		t.Fatalf("prior branch node has %d children, want 1", len(aKids))
	}
	if aKids[0].Cause != journal.CauseNonTipAdvance {
		t.Errorf("prior-branch edge cause = %s, want %s", aKids[0].Cause, journal.CauseNonTipAdvance)
	}
}

func TestRehydratePurity(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	cont := mustAdvance(t, r, start, "collected")

	before, _ := r.eng.Timeline(ctx, start.SessionID)

	var prev *engine.Continuation
	for i := 0; i < 5; i++ {
		got, err := r.eng.Rehydrate(ctx, cont.StateToken)
		if err != nil {
			t.Fatalf("Rehydrate #%d: %v", i, err)
		}
		if prev != nil && !reflect.DeepEqual(prev, got) {
			t.Errorf("rehydrate #%d differs from previous", i)
		}
		prev = got
	}
	if !reflect.DeepEqual(prev, cont) {
		t.Errorf("rehydrated continuation differs from the advance that minted it:\nadvance:   %+v\nrehydrate: %+v", cont, prev)
	}

	after, _ := r.eng.Timeline(ctx, start.SessionID)
	if len(after) != len(before) {
		t.Errorf("rehydrate wrote events: %d -> %d", len(before), len(after))
	}
}

func TestHashMismatchRejected(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// A token minted for a different definition revision: valid
	// signature, wrong hash ref.
	forgeTok := func(kind token.Kind) string {
		tok, err := r.codec.Sign(token.Payload{
			Version:   token.Version,
			Kind:      kind,
			SessionID: start.SessionID,
			RunID:     start.RunID,
			NodeID:    start.NodeID,
			HashRef:   "wfh1:000000000000",
		})
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return tok
	}

	if _, err := r.eng.Rehydrate(ctx, forgeTok(token.KindState)); !isFault(err, loom.FaultHashMismatch) {
		t.Errorf("rehydrate with stale ref: %v, want hash-mismatch fault", err)
	}
	_, err = r.eng.Advance(ctx, forgeTok(token.KindState), forgeTok(token.KindAck), []byte("x"))
	if !isFault(err, loom.FaultHashMismatch) {
		t.Errorf("advance with stale ref: %v, want hash-mismatch fault", err)
	}

	// Nothing was journaled by the rejected advance.
	events, _ := r.eng.Timeline(ctx, start.SessionID)
	if len(events) != 1 {
		t.Errorf("timeline = %d events after rejected advance, want 1", len(events))
	}
}

func TestTokenFaults(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if _, err := r.eng.Rehydrate(ctx, "not a token"); !isFault(err, loom.FaultTokenDecode) {
		t.Errorf("garbage token: %v, want decode fault", err)
	}

	// Signed with a key this engine does not trust.
	foreign := token.NewCodec(token.NewStaticKeyring("evil", []byte("ffffffffffffffffffffffffffffffff")))
	forged, err := foreign.Sign(token.Payload{
		Version: token.Version, Kind: token.KindState,
		SessionID: start.SessionID, RunID: start.RunID, NodeID: start.NodeID,
		HashRef: "wfh1:9f86d081884c",
	})
	if err != nil {
		t.Fatalf("foreign Sign: %v", err)
	}
	if _, err := r.eng.Rehydrate(ctx, forged); !isFault(err, loom.FaultTokenSignature) {
		t.Errorf("forged token: %v, want signature fault", err)
	}

	// Ack and state naming different nodes.
	next := mustAdvance(t, r, start, "collected")
	if _, err := r.eng.Advance(ctx, next.StateToken, start.AckToken, []byte("x")); !errors.Is(err, loom.ErrTokenPair) {
		t.Errorf("mismatched pair: %v, want ErrTokenPair", err)
	}

	// A state token where an ack is expected.
	if _, err := r.eng.Advance(ctx, next.StateToken, next.StateToken, []byte("x")); !isFault(err, loom.FaultTokenDecode) {
		t.Errorf("state-as-ack: %v, want decode fault", err)
	}
}

func TestUnknownNodeFaults(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	ref, err := catalog.Ref(onboardingDef())
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}

	// Valid signature, node the session never produced.
	tok, err := r.codec.Sign(token.Payload{
		Version: token.Version, Kind: token.KindState,
		SessionID: start.SessionID, RunID: start.RunID, NodeID: id.NewNodeID(),
		HashRef: ref,
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := r.eng.Rehydrate(ctx, tok); !isFault(err, loom.FaultUnknownNode) {
		t.Errorf("unknown node: %v, want unknown-node fault", err)
	}

	// A session that does not exist at all.
	tok, err = r.codec.Sign(token.Payload{
		Version: token.Version, Kind: token.KindState,
		SessionID: id.NewSessionID(), RunID: start.RunID, NodeID: start.NodeID,
		HashRef: ref,
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := r.eng.Rehydrate(ctx, tok); !isFault(err, loom.FaultUnknownNode) {
		t.Errorf("unknown session: %v, want unknown-node fault", err)
	}
}

func TestAdvanceCompleteNode(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cont, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	cont = mustAdvance(t, r, cont, "a")
	cont = mustAdvance(t, r, cont, "b")
	final := mustAdvance(t, r, cont, "c")

	// The engine never mints an ack for a complete node; simulate a
	// client fabricating one against the terminal position.
	pState, err := r.codec.Parse(final.StateToken)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ack, err := r.codec.Sign(token.Payload{
		Version: token.Version, Kind: token.KindAck,
		SessionID: pState.SessionID, RunID: pState.RunID, NodeID: pState.NodeID,
		HashRef: pState.HashRef,
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := r.eng.Advance(ctx, final.StateToken, ack, []byte("more")); !errors.Is(err, loom.ErrRunComplete) {
		t.Errorf("advance past the end: %v, want ErrRunComplete", err)
	}
}

func TestLockContention(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Another holder takes the session lock out-of-band.
	holder := id.NewClaimID()
	if _, err := r.store.AcquireLock(ctx, start.SessionID, holder, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	_, err = r.eng.Advance(ctx, start.StateToken, start.AckToken, []byte("x"))
	var fault *loom.Fault
	if !errors.As(err, &fault) || fault.Kind != loom.FaultSessionLocked {
		t.Fatalf("contended advance: %v, want session-locked fault", err)
	}
	if fault.RetryAfter <= 0 {
		t.Errorf("retry hint = %v, want > 0", fault.RetryAfter)
	}

	// Once the holder releases, Retry pushes the advance through.
	if err := r.store.ReleaseLock(ctx, start.SessionID, holder); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	cont, err := engine.Retry(ctx, 3, backoff.NewConstant(time.Millisecond), func(ctx context.Context) (*engine.Continuation, error) {
		return r.eng.Advance(ctx, start.StateToken, start.AckToken, []byte("x"))
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if cont.Pending == nil || cont.Pending.ID != "verify" {
		t.Errorf("after retry: pending %+v, want verify", cont.Pending)
	}
}

func TestSnapshotCompaction(t *testing.T) {
	r := newRig(t, engine.WithConfig(loom.Config{
		LockTTL:       time.Minute,
		RetryHint:     time.Millisecond,
		SnapshotEvery: 4,
	}))
	ctx := context.Background()

	cont, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	sessID := cont.SessionID

	cont = mustAdvance(t, r, cont, "a")
	cont = mustAdvance(t, r, cont, "b")

	snap, err := r.store.LatestSnapshot(ctx, sessID)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("no snapshot after crossing the compaction threshold")
	}

	// Rehydrating through the snapshot matches the live continuation.
	got, err := r.eng.Rehydrate(ctx, cont.StateToken)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if !reflect.DeepEqual(got, cont) {
		t.Errorf("snapshot-backed rehydrate differs:\nlive:      %+v\nrehydrate: %+v", cont, got)
	}

	// And the session still advances to completion.
	cont = mustAdvance(t, r, cont, "c")
	if !cont.Complete {
		t.Error("run not complete")
	}
}

func TestContinueWorkflowDispatch(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cont, err := r.eng.ContinueWorkflow(ctx, engine.Intent{WorkflowID: "onboarding"})
	if err != nil {
		t.Fatalf("start intent: %v", err)
	}
	if cont.Pending == nil || cont.Pending.ID != "collect" {
		t.Fatalf("start intent pending = %+v", cont.Pending)
	}

	re, err := r.eng.ContinueWorkflow(ctx, engine.Intent{StateToken: cont.StateToken})
	if err != nil {
		t.Fatalf("rehydrate intent: %v", err)
	}
	if !reflect.DeepEqual(re, cont) {
		t.Error("rehydrate intent differs from start continuation")
	}

	adv, err := r.eng.ContinueWorkflow(ctx, engine.Intent{
		StateToken: cont.StateToken,
		AckToken:   cont.AckToken,
		Output:     []byte("collected"),
	})
	if err != nil {
		t.Fatalf("advance intent: %v", err)
	}
	if adv.Pending == nil || adv.Pending.ID != "verify" {
		t.Errorf("advance intent pending = %+v", adv.Pending)
	}
}

func TestResumeInfo(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	info, err := r.eng.ResumeInfo(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("ResumeInfo: %v", err)
	}
	if info.WorkflowID != "onboarding" {
		t.Errorf("workflow = %q", info.WorkflowID)
	}
	if info.TipNodeID.String() != start.NodeID.String() {
		t.Errorf("tip = %s, want root %s", info.TipNodeID, start.NodeID)
	}
	if info.Seq != 1 {
		t.Errorf("seq = %d, want 1", info.Seq)
	}
	if info.Complete {
		t.Error("fresh session reported complete")
	}
	if info.Pending == nil || info.Pending.ID != "collect" {
		t.Fatalf("pending = %+v, want collect", info.Pending)
	}
	if string(info.Pending.Meta) != `{"fields":["email"]}` {
		t.Errorf("pending meta = %s", info.Pending.Meta)
	}

	// A read, not an operation: the journal is untouched.
	events, err := r.eng.Timeline(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("journal grew to %d events after ResumeInfo", len(events))
	}

	cont := mustAdvance(t, r, start, "collected")
	cont = mustAdvance(t, r, cont, "verified")
	cont = mustAdvance(t, r, cont, "activated")
	if !cont.Complete {
		t.Fatal("run not complete")
	}

	info, err = r.eng.ResumeInfo(ctx, start.SessionID)
	if err != nil {
		t.Fatalf("ResumeInfo after completion: %v", err)
	}
	if !info.Complete || info.Pending != nil {
		t.Errorf("completed session: complete=%v pending=%+v", info.Complete, info.Pending)
	}
	if info.TipNodeID.String() != cont.NodeID.String() {
		t.Errorf("tip = %s, want terminal %s", info.TipNodeID, cont.NodeID)
	}

	if _, err := r.eng.ResumeInfo(ctx, id.NewSessionID()); !isFault(err, loom.FaultUnknownNode) {
		t.Errorf("unknown session: %v", err)
	}
}

// Span attributes must identify the session even though its ID only
// exists once the operation body has resolved tokens and minted IDs.
func TestOperationSpansCarrySessionID(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	r := newRig(t, engine.WithMiddleware(middleware.TracingWithTracer(tracer)))
	ctx := context.Background()

	start, err := r.eng.StartWorkflow(ctx, "onboarding")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if _, err := r.eng.Rehydrate(ctx, start.StateToken); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	mustAdvance(t, r, start, "collected")

	spans := sr.Ended()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	wantNames := []string{"loom.start", "loom.rehydrate", "loom.advance"}
	for i, span := range spans {
		if span.Name() != wantNames[i] {
			t.Errorf("span %d name = %q, want %q", i, span.Name(), wantNames[i])
		}
		attrs := make(map[string]string)
		for _, a := range span.Attributes() {
			attrs[string(a.Key)] = a.Value.AsString()
		}
		if attrs["loom.session_id"] != start.SessionID.String() {
			t.Errorf("span %q loom.session_id = %q, want %q",
				span.Name(), attrs["loom.session_id"], start.SessionID)
		}
		if attrs["loom.workflow_id"] != "onboarding" {
			t.Errorf("span %q loom.workflow_id = %q, want %q",
				span.Name(), attrs["loom.workflow_id"], "onboarding")
		}
	}
}

func isFault(err error, kind loom.FaultKind) bool {
	got, ok := loom.Classify(err)
	return ok && got == kind
}
