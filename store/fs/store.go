// Package fs implements store.Store on top of a plain directory tree.
// Session logs are append-only JSONL files with one line per batch, so
// a torn write leaves at most one unreadable trailing line and never a
// half-applied batch. Intended for single-process deployments; the
// lock files are still O_EXCL-safe if two processes share the
// directory by mistake.
package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/pin"
)

// Compile-time interface checks.
var (
	_ journal.Store         = (*Store)(nil)
	_ journal.SnapshotStore = (*Store)(nil)
	_ pin.Store             = (*Store)(nil)
	_ gate.LockStore        = (*Store)(nil)
)

// Store persists everything under a root directory:
//
//	root/sessions/{sessionID}/events.jsonl
//	root/sessions/{sessionID}/snapshot.json
//	root/pins/{runID}.json
//	root/locks/{sessionID}.json
type Store struct {
	root string

	mu     sync.Mutex
	closed bool
}

// Open creates the directory layout and returns a store rooted at dir.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"sessions", "pins", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("fs: create %s: %w", sub, err)
		}
	}
	return &Store{root: dir}, nil
}

// Migrate is a no-op; Open already lays out the directories.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the root directory is still reachable.
func (s *Store) Ping(_ context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("fs: ping: %w", err)
	}
	return nil
}

// Close marks the store closed. No file handles are held between calls.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) sessionDir(sessionID id.ID) string {
	return filepath.Join(s.root, "sessions", sessionID.String())
}

func (s *Store) eventsPath(sessionID id.ID) string {
	return filepath.Join(s.sessionDir(sessionID), "events.jsonl")
}

func (s *Store) snapshotPath(sessionID id.ID) string {
	return filepath.Join(s.sessionDir(sessionID), "snapshot.json")
}

func (s *Store) pinPath(runID id.ID) string {
	return filepath.Join(s.root, "pins", runID.String()+".json")
}

func (s *Store) lockPath(sessionID id.ID) string {
	return filepath.Join(s.root, "locks", sessionID.String()+".json")
}

// batchLine is one JSONL line: a whole append batch.
type batchLine struct {
	Events []*journal.Event `json:"events"`
}

// AppendEvents writes the batch as a single fsynced JSONL line.
func (s *Store) AppendEvents(_ context.Context, sessionID id.ID, events []*journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	last, err := s.lastSeq(sessionID)
	if err != nil {
		return err
	}
	for i, e := range events {
		e.Seq = last + uint64(i) + 1
	}

	line, err := json.Marshal(batchLine{Events: events})
	if err != nil {
		return fmt.Errorf("fs: marshal batch: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return fmt.Errorf("fs: session dir: %w", err)
	}
	if err := s.dropTornTail(sessionID); err != nil {
		return err
	}
	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("fs: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("fs: append batch: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fs: sync log: %w", err)
	}
	return nil
}

// LoadEvents reads the session log, skipping a torn trailing line.
func (s *Store) LoadEvents(_ context.Context, sessionID id.ID, afterSeq uint64) ([]*journal.Event, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs: open log: %w", err)
	}
	defer f.Close()

	var out []*journal.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var b batchLine
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			// A torn trailing line is an uncommitted batch. Anything
			// else after it would mean real corruption; stop either way.
			break
		}
		for _, e := range b.Events {
			if e.Seq > afterSeq {
				out = append(out, e)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("fs: scan log: %w", err)
	}
	return out, nil
}

// dropTornTail truncates an unterminated trailing line left by a crash
// mid-append, so the next batch starts on a clean line.
func (s *Store) dropTornTail(sessionID id.ID) error {
	path := s.eventsPath(sessionID)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fs: read log: %w", err)
	}
	if len(raw) == 0 || raw[len(raw)-1] == '\n' {
		return nil
	}
	cut := 0
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '\n' {
			cut = i + 1
			break
		}
	}
	if err := os.Truncate(path, int64(cut)); err != nil {
		return fmt.Errorf("fs: drop torn tail: %w", err)
	}
	return nil
}

// lastSeq returns the highest committed sequence in a session log.
func (s *Store) lastSeq(sessionID id.ID) (uint64, error) {
	events, err := s.LoadEvents(context.Background(), sessionID, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// SaveSnapshot atomically replaces the session snapshot unless a newer
// one is already on disk.
func (s *Store) SaveSnapshot(ctx context.Context, snap *journal.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readSnapshot(snap.SessionID)
	if err != nil {
		return err
	}
	if cur != nil && cur.AtSeq >= snap.AtSeq {
		return nil
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("fs: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(s.sessionDir(snap.SessionID), 0o755); err != nil {
		return fmt.Errorf("fs: session dir: %w", err)
	}

	path := s.snapshotPath(snap.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("fs: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fs: commit snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the session's snapshot, or nil when none
// exists.
func (s *Store) LatestSnapshot(_ context.Context, sessionID id.ID) (*journal.Snapshot, error) {
	return s.readSnapshot(sessionID)
}

func (s *Store) readSnapshot(sessionID id.ID) (*journal.Snapshot, error) {
	raw, err := os.ReadFile(s.snapshotPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read snapshot: %w", err)
	}
	var snap journal.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("fs: decode snapshot: %w", err)
	}
	return &snap, nil
}

// PinWorkflow writes the pin with O_EXCL so a run can never be
// re-pinned.
func (s *Store) PinWorkflow(_ context.Context, p *pin.Pinned) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("fs: marshal pin: %w", err)
	}
	f, err := os.OpenFile(s.pinPath(p.RunID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("fs: run %s already pinned", p.RunID)
	}
	if err != nil {
		return fmt.Errorf("fs: create pin: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("fs: write pin: %w", err)
	}
	return f.Sync()
}

// GetPinned reads the pin for a run.
func (s *Store) GetPinned(_ context.Context, runID id.ID) (*pin.Pinned, error) {
	raw, err := os.ReadFile(s.pinPath(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fs: run %s: %w", runID, loom.ErrPinNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read pin: %w", err)
	}
	var p pin.Pinned
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fs: decode pin: %w", err)
	}
	return &p, nil
}

// AcquireLock creates the claim file with O_EXCL. An expired claim is
// reclaimed by renaming it aside first; only one contender's rename
// succeeds, so reclaim stays exclusive across processes.
func (s *Store) AcquireLock(_ context.Context, sessionID, owner id.ID, ttl time.Duration) (*gate.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	claim := &gate.Claim{
		SessionID:  sessionID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	path := s.lockPath(sessionID)

	for attempt := 0; attempt < 2; attempt++ {
		err := s.writeClaimExcl(path, claim)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("fs: create claim: %w", err)
		}

		cur, readErr := s.readClaim(path)
		if readErr != nil {
			// Holder may have released between our create and read; loop
			// and try the create once more.
			if errors.Is(readErr, fs.ErrNotExist) {
				continue
			}
			return nil, readErr
		}
		if !cur.Expired(now) {
			return nil, gate.ErrLockHeld
		}

		// Stale claim: rename it aside. Losing the rename race means
		// another contender is mid-reclaim.
		stale := path + ".stale." + owner.String()
		if err := os.Rename(path, stale); err != nil {
			return nil, gate.ErrLockHeld
		}
		os.Remove(stale)
	}
	return nil, gate.ErrLockHeld
}

// ReleaseLock removes the claim file if owner still holds it.
func (s *Store) ReleaseLock(_ context.Context, sessionID, owner id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.lockPath(sessionID)
	cur, err := s.readClaim(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner.String() != owner.String() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fs: release claim: %w", err)
	}
	return nil
}

func (s *Store) writeClaimExcl(path string, c *gate.Claim) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("fs: marshal claim: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("fs: write claim: %w", err)
	}
	return nil
}

func (s *Store) readClaim(path string) (*gate.Claim, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c gate.Claim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("fs: decode claim: %w", err)
	}
	return &c, nil
}
