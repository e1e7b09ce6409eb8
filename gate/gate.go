// Package gate serializes concurrent advances against a session with
// a TTL advisory lock. Acquisition is fail-fast: a contender never
// queues, it gets a locked fault with a retry hint and backs off.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/id"
)

// ErrLockHeld is returned by a LockStore when the session lock is held
// by a live claim. The gate translates it into a retryable fault.
var ErrLockHeld = errors.New("gate: session lock held")

// Claim is one acquired session lock.
type Claim struct {
	SessionID  id.ID     `json:"session_id"`
	Owner      id.ID     `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the claim's TTL has elapsed at now.
func (c *Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// LockStore is the storage contract for session locks. Implementations
// must make AcquireLock atomic: exactly one contender wins when a lock
// is free or its previous claim has expired, everyone else gets
// ErrLockHeld.
type LockStore interface {
	AcquireLock(ctx context.Context, sessionID, owner id.ID, ttl time.Duration) (*Claim, error)

	// ReleaseLock frees the lock if owner still holds it. Releasing a
	// lock that expired and was reclaimed by someone else is a no-op,
	// not an error.
	ReleaseLock(ctx context.Context, sessionID, owner id.ID) error
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL overrides the claim TTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) { g.ttl = ttl }
}

// WithRetryHint sets the strategy that computes the retry delay handed
// to refused contenders.
func WithRetryHint(s backoff.Strategy) Option {
	return func(g *Gate) { g.hint = s }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate wraps a LockStore with fault translation and claim lifecycle.
type Gate struct {
	locks  LockStore
	ttl    time.Duration
	hint   backoff.Strategy
	logger *slog.Logger
}

// New creates a gate over a lock store.
func New(locks LockStore, opts ...Option) *Gate {
	g := &Gate{
		locks:  locks,
		ttl:    loom.DefaultConfig().LockTTL,
		hint:   backoff.DefaultStrategy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithLock runs fn while holding the session lock. If the lock is held
// elsewhere it returns a FaultSessionLocked carrying a retry hint
// without invoking fn. The lock is released when fn returns; a release
// failure is logged, not surfaced, because the TTL bounds the damage.
func (g *Gate) WithLock(ctx context.Context, sessionID id.ID, fn func(ctx context.Context) error) error {
	owner := id.NewClaimID()

	claim, err := g.locks.AcquireLock(ctx, sessionID, owner, g.ttl)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return &loom.Fault{
				Kind:       loom.FaultSessionLocked,
				RetryAfter: g.hint.Delay(1),
				Err:        fmt.Errorf("%w: session %s", loom.ErrSessionLocked, sessionID),
			}
		}
		return loom.NewFault(loom.FaultStorage, fmt.Errorf("gate: acquire %s: %w", sessionID, err))
	}

	defer func() {
		if relErr := g.locks.ReleaseLock(context.WithoutCancel(ctx), sessionID, owner); relErr != nil {
			g.logger.Warn("session lock release failed",
				"session_id", sessionID.String(),
				"owner", owner.String(),
				"error", relErr)
		}
	}()

	g.logger.Debug("session lock acquired",
		"session_id", sessionID.String(),
		"owner", owner.String(),
		"expires_at", claim.ExpiresAt)

	return fn(ctx)
}
