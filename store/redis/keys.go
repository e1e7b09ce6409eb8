package redis

// Redis key naming conventions. All keys are prefixed with "loom:" to
// avoid collisions.

const keyPrefix = "loom:"

// eventsKey returns the List key for a session log: loom:events:{sessionID}
func eventsKey(sessionID string) string { return keyPrefix + "events:" + sessionID }

// snapshotKey returns the key for a session snapshot: loom:snapshot:{sessionID}
func snapshotKey(sessionID string) string { return keyPrefix + "snapshot:" + sessionID }

// pinKey returns the key for a run's pinned workflow: loom:pin:{runID}
func pinKey(runID string) string { return keyPrefix + "pin:" + runID }

// lockKey returns the key for a session lock: loom:lock:{sessionID}
func lockKey(sessionID string) string { return keyPrefix + "lock:" + sessionID }
