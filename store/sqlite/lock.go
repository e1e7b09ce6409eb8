package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
)

// AcquireLock takes the session lock with a single conditional upsert:
// the insert wins when no row exists, the update wins only when the
// existing claim has expired. Zero rows affected means the lock is
// held by a live claim.
func (s *Store) AcquireLock(ctx context.Context, sessionID, owner id.ID, ttl time.Duration) (*gate.Claim, error) {
	now := time.Now().UTC()
	claim := &gate.Claim{
		SessionID:  sessionID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO loom_locks (session_id, owner, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		 WHERE loom_locks.expires_at <= excluded.acquired_at`,
		sessionID.String(), owner.String(), now.UnixNano(), claim.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire lock result: %w", err)
	}
	if n == 0 {
		return nil, gate.ErrLockHeld
	}
	return claim, nil
}

// ReleaseLock frees the lock if owner still holds it; a foreign or
// missing claim is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, sessionID, owner id.ID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM loom_locks WHERE session_id = ? AND owner = ?`,
		sessionID.String(), owner.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: release lock: %w", err)
	}
	return nil
}
