package model

import (
	"encoding/json"
	"time"
)

// Queue entry priorities. Lower numbers dequeue sooner; ties break FIFO by
// enqueue order. PriorityDefault is the neutral mid-rank used when a caller
// does not specify one.
const (
	PriorityMin     = 0
	PriorityDefault = 50
	PriorityMax     = 100
)

// QueueEntry is the transient scheduling record for a job waiting to execute.
// Entries are created on enqueue and destroyed on dequeue or explicit removal;
// they are never mutated in place.
type QueueEntry struct {
	QueueJobID      string          `json:"queue_job_id"`
	JobType         TaskType        `json:"job_type"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	SessionID       string          `json:"session_id"`
	BackgroundJobID string          `json:"background_job_id"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
}

// ClampPriority folds an arbitrary rank into the supported range.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
