// Package storetest holds the behavioral contract suite that every
// store backend must pass. Backend test files call Run with their own
// constructor; the suite covers the journal, snapshot, pin, and lock
// contracts.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/pin"
	"github.com/loomworks/loom/store"
)

// Factory opens a fresh, empty store for one subtest. Cleanup is the
// test's responsibility via t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the full backend contract suite.
func Run(t *testing.T, open Factory) {
	t.Run("Ping", func(t *testing.T) { testPing(t, open) })
	t.Run("AppendAssignsContiguousSeqs", func(t *testing.T) { testAppendSeqs(t, open) })
	t.Run("LoadEventsAfterSeq", func(t *testing.T) { testLoadAfterSeq(t, open) })
	t.Run("EventsIsolatedPerSession", func(t *testing.T) { testSessionIsolation(t, open) })
	t.Run("SnapshotLatest", func(t *testing.T) { testSnapshotLatest(t, open) })
	t.Run("SnapshotStaleIgnored", func(t *testing.T) { testSnapshotStale(t, open) })
	t.Run("PinRoundTrip", func(t *testing.T) { testPinRoundTrip(t, open) })
	t.Run("PinImmutable", func(t *testing.T) { testPinImmutable(t, open) })
	t.Run("LockExclusive", func(t *testing.T) { testLockExclusive(t, open) })
	t.Run("LockRelease", func(t *testing.T) { testLockRelease(t, open) })
	t.Run("LockExpiryReclaim", func(t *testing.T) { testLockExpiry(t, open) })
	t.Run("LockForeignReleaseNoop", func(t *testing.T) { testLockForeignRelease(t, open) })
}

type notePayload struct {
	Note string `json:"note"`
}

func mkEvents(t *testing.T, sessionID id.ID, notes ...string) []*journal.Event {
	t.Helper()
	out := make([]*journal.Event, 0, len(notes))
	for _, n := range notes {
		e, err := journal.NewEvent(sessionID, journal.KindNodeOutputAppended, &notePayload{Note: n})
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func testPing(t *testing.T, open Factory) {
	s := open(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func testAppendSeqs(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID := id.NewSessionID()

	first := mkEvents(t, sessID, "a", "b")
	if err := s.AppendEvents(ctx, sessID, first); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	// Seqs are assigned into the caller's events.
	if first[0].Seq != 1 || first[1].Seq != 2 {
		t.Errorf("first batch seqs = %d, %d, want 1, 2", first[0].Seq, first[1].Seq)
	}

	second := mkEvents(t, sessID, "c")
	if err := s.AppendEvents(ctx, sessID, second); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if second[0].Seq != 3 {
		t.Errorf("second batch seq = %d, want 3", second[0].Seq)
	}

	got, err := s.LoadEvents(ctx, sessID, 0)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d events, want 3", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i)+1 {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.Kind != journal.KindNodeOutputAppended {
			t.Errorf("event %d kind = %s", i, e.Kind)
		}
		if e.SessionID.String() != sessID.String() {
			t.Errorf("event %d session = %s, want %s", i, e.SessionID, sessID)
		}
	}

	// Payloads survive the round trip in order.
	p, err := journal.DecodePayload[notePayload](got[2])
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Note != "c" {
		t.Errorf("payload note = %q, want %q", p.Note, "c")
	}

	// Empty batch is a no-op.
	if err := s.AppendEvents(ctx, sessID, nil); err != nil {
		t.Fatalf("AppendEvents(nil): %v", err)
	}
}

func testLoadAfterSeq(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID := id.NewSessionID()

	if err := s.AppendEvents(ctx, sessID, mkEvents(t, sessID, "a", "b", "c", "d")); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	got, err := s.LoadEvents(ctx, sessID, 2)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Errorf("after seq 2: got %d events, want seqs 3,4", len(got))
	}

	got, err = s.LoadEvents(ctx, sessID, 99)
	if err != nil {
		t.Fatalf("LoadEvents past end: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("past end: got %d events, want 0", len(got))
	}
}

func testSessionIsolation(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	a, b := id.NewSessionID(), id.NewSessionID()

	if err := s.AppendEvents(ctx, a, mkEvents(t, a, "a1", "a2")); err != nil {
		t.Fatalf("AppendEvents a: %v", err)
	}
	if err := s.AppendEvents(ctx, b, mkEvents(t, b, "b1")); err != nil {
		t.Fatalf("AppendEvents b: %v", err)
	}

	gotB, err := s.LoadEvents(ctx, b, 0)
	if err != nil {
		t.Fatalf("LoadEvents b: %v", err)
	}
	// Session b starts its own sequence at 1.
	if len(gotB) != 1 {
		t.Fatalf("session b: %d events, want 1", len(gotB))
	}
	if gotB[0].Seq != 1 {
		t.Errorf("session b first seq = %d, want 1", gotB[0].Seq)
	}

	// An unknown session has no events and no error.
	gotNone, err := s.LoadEvents(ctx, id.NewSessionID(), 0)
	if err != nil {
		t.Fatalf("LoadEvents unknown: %v", err)
	}
	if len(gotNone) != 0 {
		t.Errorf("unknown session: %d events, want 0", len(gotNone))
	}
}

func snapshotFor(t *testing.T, sessID id.ID, atSeq uint64) *journal.Snapshot {
	t.Helper()
	truth := journal.NewTruth()
	truth.SessionID = sessID
	truth.Seq = atSeq
	snap, err := journal.NewSnapshot(truth)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return snap
}

func testSnapshotLatest(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID := id.NewSessionID()

	// No snapshot yet: nil, nil.
	got, err := s.LatestSnapshot(ctx, sessID)
	if err != nil {
		t.Fatalf("LatestSnapshot empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil snapshot, got AtSeq %d", got.AtSeq)
	}

	if err := s.SaveSnapshot(ctx, snapshotFor(t, sessID, 4)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.SaveSnapshot(ctx, snapshotFor(t, sessID, 9)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err = s.LatestSnapshot(ctx, sessID)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got == nil || got.AtSeq != 9 {
		t.Fatalf("latest snapshot = %+v, want AtSeq 9", got)
	}
	if got.SessionID.String() != sessID.String() {
		t.Errorf("snapshot session = %s, want %s", got.SessionID, sessID)
	}
	if _, err := got.Truth(); err != nil {
		t.Errorf("snapshot state does not decode: %v", err)
	}
}

func testSnapshotStale(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID := id.NewSessionID()

	if err := s.SaveSnapshot(ctx, snapshotFor(t, sessID, 9)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	// Saving an older snapshot must not clobber the newer one.
	if err := s.SaveSnapshot(ctx, snapshotFor(t, sessID, 4)); err != nil {
		t.Fatalf("SaveSnapshot stale: %v", err)
	}

	got, err := s.LatestSnapshot(ctx, sessID)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got == nil || got.AtSeq != 9 {
		t.Fatalf("latest snapshot AtSeq = %v, want 9", got)
	}
}

func testPinRoundTrip(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID, runID := id.NewSessionID(), id.NewRunID()

	p := &pin.Pinned{
		RunID:      runID,
		SessionID:  sessID,
		HashRef:    "wfh1:9f86d081884c",
		Definition: []byte(`{"id":"onboarding","steps":[{"id":"collect"}]}`),
		PinnedAt:   time.Now().UTC(),
	}
	if err := s.PinWorkflow(ctx, p); err != nil {
		t.Fatalf("PinWorkflow: %v", err)
	}

	got, err := s.GetPinned(ctx, runID)
	if err != nil {
		t.Fatalf("GetPinned: %v", err)
	}
	if got.HashRef != p.HashRef {
		t.Errorf("hash ref = %q, want %q", got.HashRef, p.HashRef)
	}
	if string(got.Definition) != string(p.Definition) {
		t.Errorf("definition bytes differ: %q", got.Definition)
	}
	if got.SessionID.String() != sessID.String() {
		t.Errorf("session = %s, want %s", got.SessionID, sessID)
	}

	if _, err := s.GetPinned(ctx, id.NewRunID()); !errors.Is(err, loom.ErrPinNotFound) {
		t.Errorf("unknown run: %v, want ErrPinNotFound", err)
	}
}

func testPinImmutable(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	runID := id.NewRunID()

	p := &pin.Pinned{
		RunID:      runID,
		SessionID:  id.NewSessionID(),
		HashRef:    "wfh1:9f86d081884c",
		Definition: []byte(`{"id":"v1"}`),
		PinnedAt:   time.Now().UTC(),
	}
	if err := s.PinWorkflow(ctx, p); err != nil {
		t.Fatalf("PinWorkflow: %v", err)
	}

	p2 := *p
	p2.Definition = []byte(`{"id":"v2"}`)
	if err := s.PinWorkflow(ctx, &p2); err == nil {
		t.Fatal("re-pinning the same run should fail")
	}

	got, err := s.GetPinned(ctx, runID)
	if err != nil {
		t.Fatalf("GetPinned: %v", err)
	}
	if string(got.Definition) != `{"id":"v1"}` {
		t.Errorf("pin was overwritten: %q", got.Definition)
	}
}

func testLockExclusive(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID := id.NewSessionID()

	claim, err := s.AcquireLock(ctx, sessID, id.NewClaimID(), time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if claim.ExpiresAt.Before(claim.AcquiredAt) {
		t.Errorf("claim expires %v before acquisition %v", claim.ExpiresAt, claim.AcquiredAt)
	}

	if _, err := s.AcquireLock(ctx, sessID, id.NewClaimID(), time.Minute); !errors.Is(err, gate.ErrLockHeld) {
		t.Errorf("second acquire: %v, want ErrLockHeld", err)
	}

	// A different session is unaffected.
	if _, err := s.AcquireLock(ctx, id.NewSessionID(), id.NewClaimID(), time.Minute); err != nil {
		t.Errorf("other session acquire: %v", err)
	}
}

func testLockRelease(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID, owner := id.NewSessionID(), id.NewClaimID()

	if _, err := s.AcquireLock(ctx, sessID, owner, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := s.ReleaseLock(ctx, sessID, owner); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := s.AcquireLock(ctx, sessID, id.NewClaimID(), time.Minute); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func testLockExpiry(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID := id.NewSessionID()

	if _, err := s.AcquireLock(ctx, sessID, id.NewClaimID(), 10*time.Millisecond); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	claim, err := s.AcquireLock(ctx, sessID, id.NewClaimID(), time.Minute)
	if err != nil {
		t.Fatalf("acquire over expired claim: %v", err)
	}
	if claim == nil {
		t.Fatal("nil claim from reclaim")
	}
}

func testLockForeignRelease(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()
	sessID, owner := id.NewSessionID(), id.NewClaimID()

	if _, err := s.AcquireLock(ctx, sessID, owner, time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// A stranger's release must not free the holder's lock.
	if err := s.ReleaseLock(ctx, sessID, id.NewClaimID()); err != nil {
		t.Fatalf("foreign ReleaseLock: %v", err)
	}
	if _, err := s.AcquireLock(ctx, sessID, id.NewClaimID(), time.Minute); !errors.Is(err, gate.ErrLockHeld) {
		t.Errorf("lock freed by foreign release: %v", err)
	}
}
