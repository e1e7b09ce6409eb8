// Package memory implements store.Store entirely in process memory.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/pin"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle in tests is fine, but we
// verify each subsystem the same way the backends do).
var (
	_ journal.Store         = (*Store)(nil)
	_ journal.SnapshotStore = (*Store)(nil)
	_ pin.Store             = (*Store)(nil)
	_ gate.LockStore        = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store. Everything
// is copied on the way in and out, so callers can't alias internal
// state.
type Store struct {
	mu sync.RWMutex

	events    map[string][]*journal.Event  // key: session ID
	snapshots map[string]*journal.Snapshot // key: session ID, latest only
	pins      map[string]*pin.Pinned       // key: run ID
	locks     map[string]*gate.Claim       // key: session ID
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		events:    make(map[string][]*journal.Event),
		snapshots: make(map[string]*journal.Snapshot),
		pins:      make(map[string]*pin.Pinned),
		locks:     make(map[string]*gate.Claim),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// AppendEvents assigns contiguous sequence numbers and appends the
// batch atomically under the store lock.
func (m *Store) AppendEvents(_ context.Context, sessionID id.ID, events []*journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionID.String()
	log := m.events[key]
	next := uint64(len(log))
	for i, e := range events {
		e.Seq = next + uint64(i) + 1
	}
	for _, e := range events {
		cp := *e
		log = append(log, &cp)
	}
	m.events[key] = log
	return nil
}

// LoadEvents returns copies of the session's events with seq > afterSeq.
func (m *Store) LoadEvents(_ context.Context, sessionID id.ID, afterSeq uint64) ([]*journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[sessionID.String()]
	var out []*journal.Event
	for _, e := range log {
		if e.Seq > afterSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SaveSnapshot stores the snapshot if it is newer than the current one.
func (m *Store) SaveSnapshot(_ context.Context, s *journal.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.SessionID.String()
	if cur, ok := m.snapshots[key]; ok && cur.AtSeq >= s.AtSeq {
		return nil
	}
	cp := *s
	m.snapshots[key] = &cp
	return nil
}

// LatestSnapshot returns the newest snapshot for a session, or nil.
func (m *Store) LatestSnapshot(_ context.Context, sessionID id.ID) (*journal.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[sessionID.String()]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// PinWorkflow stores a run's pinned definition. Pins are immutable.
func (m *Store) PinWorkflow(_ context.Context, p *pin.Pinned) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := p.RunID.String()
	if _, ok := m.pins[key]; ok {
		return fmt.Errorf("memory: run %s already pinned", p.RunID)
	}
	cp := *p
	cp.Definition = append([]byte(nil), p.Definition...)
	m.pins[key] = &cp
	return nil
}

// GetPinned returns the pin for a run.
func (m *Store) GetPinned(_ context.Context, runID id.ID) (*pin.Pinned, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pins[runID.String()]
	if !ok {
		return nil, fmt.Errorf("memory: run %s: %w", runID, loom.ErrPinNotFound)
	}
	cp := *p
	cp.Definition = append([]byte(nil), p.Definition...)
	return &cp, nil
}

// AcquireLock takes the session lock if it is free or its claim
// expired.
func (m *Store) AcquireLock(_ context.Context, sessionID, owner id.ID, ttl time.Duration) (*gate.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionID.String()
	now := time.Now().UTC()
	if cur, ok := m.locks[key]; ok && !cur.Expired(now) {
		return nil, gate.ErrLockHeld
	}
	c := &gate.Claim{
		SessionID:  sessionID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[key] = c
	cp := *c
	return &cp, nil
}

// ReleaseLock frees the lock if owner still holds it.
func (m *Store) ReleaseLock(_ context.Context, sessionID, owner id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionID.String()
	if cur, ok := m.locks[key]; ok && cur.Owner.String() == owner.String() {
		delete(m.locks, key)
	}
	return nil
}
