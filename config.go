package loom

import "time"

// Config holds tuning knobs for the execution engine.
type Config struct {
	// LockTTL is how long a session lock claim stays valid without being
	// released. A holder that crashes cedes the session to the next
	// acquirer once the TTL elapses.
	LockTTL time.Duration

	// RetryHint is the delay suggested to callers that hit session-lock
	// contention.
	RetryHint time.Duration

	// SnapshotEvery compacts a session's truth into a snapshot after this
	// many events past the previous snapshot. Zero disables compaction.
	SnapshotEvery int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:       30 * time.Second,
		RetryHint:     100 * time.Millisecond,
		SnapshotEvery: 32,
	}
}
