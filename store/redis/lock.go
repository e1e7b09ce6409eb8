package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
)

// releaseScript deletes the lock only when the caller still owns it,
// so a holder whose claim expired and was reclaimed cannot free the
// new holder's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock takes the session lock with SET NX PX. Redis expires the
// key itself, so a crashed holder's claim vanishes when its TTL
// elapses and the next SET NX wins.
func (s *Store) AcquireLock(ctx context.Context, sessionID, owner id.ID, ttl time.Duration) (*gate.Claim, error) {
	now := time.Now().UTC()
	ok, err := s.client.SetNX(ctx, lockKey(sessionID.String()), owner.String(), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: acquire lock: %w", err)
	}
	if !ok {
		return nil, gate.ErrLockHeld
	}
	return &gate.Claim{
		SessionID:  sessionID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// ReleaseLock frees the lock if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, sessionID, owner id.ID) error {
	err := releaseScript.Run(ctx, s.client, []string{lockKey(sessionID.String())}, owner.String()).Err()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("loom/redis: release lock: %w", err)
	}
	return nil
}
