package model

import "time"

// PoolEntry is the transient record of one in-flight provider call. An entry
// existing is the only authoritative signal that a request is cancellable via
// the pool rather than still waiting in the queue.
type PoolEntry struct {
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id"`
	RequestType TaskType  `json:"request_type"`
	TrackedAt   time.Time `json:"tracked_at"`
}

// PoolStats is a read-only snapshot of the request pool.
type PoolStats struct {
	Total     int              `json:"total"`
	BySession map[string]int   `json:"by_session"`
	ByType    map[TaskType]int `json:"by_type"`
}
