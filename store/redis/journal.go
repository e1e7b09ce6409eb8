package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
)

// appendRetries bounds the optimistic-transaction retry loop when a
// concurrent append touches the same session list.
const appendRetries = 8

// AppendEvents assigns sequence numbers from the list length and
// pushes the batch inside a WATCH transaction, so a concurrent append
// to the same session aborts and retries rather than double-assigning
// seqs.
func (s *Store) AppendEvents(ctx context.Context, sessionID id.ID, events []*journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	key := eventsKey(sessionID.String())

	txf := func(tx *goredis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}

		vals := make([]interface{}, 0, len(events))
		for i, e := range events {
			e.Seq = uint64(n) + uint64(i) + 1
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal event seq %d: %w", e.Seq, err)
			}
			vals = append(vals, raw)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.RPush(ctx, key, vals...)
			return nil
		})
		return err
	}

	for range appendRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("loom/redis: append events: %w", err)
	}
	return fmt.Errorf("loom/redis: append events: too much contention on session %s", sessionID)
}

// LoadEvents returns the session's events with seq > afterSeq.
// The list index of seq n is n-1, so the tail starts at index
// afterSeq.
func (s *Store) LoadEvents(ctx context.Context, sessionID id.ID, afterSeq uint64) ([]*journal.Event, error) {
	raws, err := s.client.LRange(ctx, eventsKey(sessionID.String()), int64(afterSeq), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: load events: %w", err)
	}

	out := make([]*journal.Event, 0, len(raws))
	for _, raw := range raws {
		var e journal.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("loom/redis: decode event: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// SaveSnapshot stores the snapshot if it is newer than the current
// one, under a WATCH transaction on the snapshot key.
func (s *Store) SaveSnapshot(ctx context.Context, snap *journal.Snapshot) error {
	key := snapshotKey(snap.SessionID.String())

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal snapshot: %w", err)
	}

	txf := func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if err == nil {
			var existing journal.Snapshot
			if err := json.Unmarshal([]byte(cur), &existing); err == nil && existing.AtSeq >= snap.AtSeq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}

	for range appendRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("loom/redis: save snapshot: %w", err)
	}
	return fmt.Errorf("loom/redis: save snapshot: too much contention on session %s", snap.SessionID)
}

// LatestSnapshot returns the session's snapshot, or nil when none.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID id.ID) (*journal.Snapshot, error) {
	raw, err := s.client.Get(ctx, snapshotKey(sessionID.String())).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom/redis: latest snapshot: %w", err)
	}
	var snap journal.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("loom/redis: decode snapshot: %w", err)
	}
	return &snap, nil
}
