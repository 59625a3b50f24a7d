// Package model defines the core data types and structures used throughout the quill-jobs system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// APIType identifies which provider a job executes against.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type APIType string

// TaskType identifies the logical operation a job performs.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskType string

// JobStatus represents the current status of a background job.
type JobStatus string

const (
	// APITypeAnthropic routes the job to the Anthropic messages API.
	APITypeAnthropic APIType = "anthropic"
	// APITypeOpenAI routes the job to the OpenAI chat completions API.
	APITypeOpenAI APIType = "openai"

	// TaskTypePlanGeneration generates a writing plan from a prompt.
	TaskTypePlanGeneration TaskType = "plan_generation"
	// TaskTypeTextImprovement rewrites or improves a passage of text.
	TaskTypeTextImprovement TaskType = "text_improvement"
	// TaskTypeRegexSynthesis synthesizes a regular expression from examples.
	TaskTypeRegexSynthesis TaskType = "regex_synthesis"

	// JobStatusQueued indicates a job is waiting to be executed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a job's provider call is in flight.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job failed terminally.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled indicates a job was canceled before producing a result.
	JobStatusCanceled JobStatus = "canceled"
)

// Metadata keys written by the lifecycle service. Mutations to job metadata are
// merges, never wholesale replacement, so writers only touch the keys they own.
const (
	// MetaQueueJobID links a queued job row to its live queue entry. Present
	// while and only while the job has an entry in the priority queue.
	MetaQueueJobID = "queue_job_id"
	// MetaCancellationReason records why a job was canceled.
	MetaCancellationReason = "cancellation_reason"
	// MetaModel records the model that actually served the request.
	MetaModel = "model"
	// MetaInputTokens records provider-reported prompt token usage.
	MetaInputTokens = "input_tokens"
	// MetaOutputTokens records provider-reported completion token usage.
	MetaOutputTokens = "output_tokens"
	// MetaErrorKind records the classified provider error kind on failure.
	MetaErrorKind = "error_kind"
	// MetaRetryable records whether the classified failure was retryable.
	MetaRetryable = "retryable"
	// MetaOutputFilePath overrides the destination path for file-producing tasks.
	MetaOutputFilePath = "output_file_path"
)

// ErrNoEntriesAvailable is returned when the queue has no entries to dequeue.
var ErrNoEntriesAvailable = errors.New("no queue entries available")

// UnmarshalText implements encoding.TextUnmarshaler for APIType to allow env parsing.
func (t *APIType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	at := APIType(v)
	if at.Valid() {
		*t = at
		return nil
	}
	return fmt.Errorf("invalid APIType: %q", v)
}

// UnmarshalText implements encoding.TextUnmarshaler for TaskType to allow env parsing.
func (t *TaskType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	tt := TaskType(v)
	if tt.Valid() {
		*t = tt
		return nil
	}
	return fmt.Errorf("invalid TaskType: %q", v)
}

// Valid returns true if the APIType is valid.
func (t APIType) Valid() bool {
	return t == APITypeAnthropic || t == APITypeOpenAI
}

// Valid returns true if the TaskType is valid.
func (t TaskType) Valid() bool {
	return t == TaskTypePlanGeneration || t == TaskTypeTextImprovement ||
		t == TaskTypeRegexSynthesis
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed || s == JobStatusCanceled
}

// Terminal returns true if no further transitions are permitted from this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// NonTerminalStatuses lists the statuses a job can still transition out of.
func NonTerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusQueued, JobStatusRunning}
}

// TerminalStatuses lists the statuses no further transitions leave.
func TerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled}
}

// BackgroundJob represents one durable unit of asynchronous work and its outcome.
// Exactly one of Response, ErrorMessage, OutputFilePath is populated on a
// terminal state, or none for a canceled job with no partial result.
type BackgroundJob struct {
	ID             string            `json:"id"                         db:"id"`
	SessionID      string            `json:"session_id"                 db:"session_id"`
	APIType        APIType           `json:"api_type"                   db:"api_type"`
	TaskType       TaskType          `json:"task_type"                  db:"task_type"`
	Status         JobStatus         `json:"status"                     db:"status"`
	Model          string            `json:"model"                      db:"model"`
	RawInput       string            `json:"raw_input"                  db:"raw_input"`
	Response       *string           `json:"response,omitempty"         db:"response"`
	ErrorMessage   *string           `json:"error_message,omitempty"    db:"error_message"`
	OutputFilePath *string           `json:"output_file_path,omitempty" db:"output_file_path"`
	Metadata       map[string]string `json:"metadata"                   db:"metadata"`
	StartTime      *time.Time        `json:"start_time,omitempty"       db:"start_time"`
	EndTime        *time.Time        `json:"end_time,omitempty"         db:"end_time"`
	Cleared        bool              `json:"cleared"                    db:"cleared"`
	CreatedAt      time.Time         `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"                 db:"updated_at"`
}

// QueueJobID returns the job's live queue entry id, if any.
func (j *BackgroundJob) QueueJobID() (string, bool) {
	if j == nil || j.Metadata == nil {
		return "", false
	}
	id, ok := j.Metadata[MetaQueueJobID]
	return id, ok && id != ""
}

// CreateJobRequest represents a request to create a new background job.
type CreateJobRequest struct {
	SessionID string            `json:"session_id"`
	APIType   APIType           `json:"api_type"`
	TaskType  TaskType          `json:"task_type"`
	Model     string            `json:"model"`
	RawInput  string            `json:"raw_input"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.New("session id is required")
	}
	if !r.APIType.Valid() {
		return errors.New("invalid api type")
	}
	if !r.TaskType.Valid() {
		return errors.New("invalid task type")
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
	}
	return nil
}

// StatusUpdate describes a partial, merge-style update to a job row's mutable
// subfields. FromStatuses is the compare-and-set precondition: the update
// applies only while the row's current status is one of them, which keeps
// terminal states sticky under concurrent writers.
type StatusUpdate struct {
	Status         JobStatus
	FromStatuses   []JobStatus
	Response       *string
	ErrorMessage   *string
	OutputFilePath *string
	Metadata       map[string]string
	StartTime      *time.Time
	EndTime        *time.Time
	Cleared        *bool
	// ClearQueueRef drops the queue_job_id metadata key. Merges cannot remove
	// keys, so leaving the queue is expressed explicitly.
	ClearQueueRef bool
}

// JobStats represents per-session counts of jobs in each state.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// JobListOptions filters ListBySession results.
type JobListOptions struct {
	Status         *JobStatus
	IncludeCleared bool
	Limit          int
	Offset         int
}

// MergeMetadata returns base merged with extra, preserving keys the extra map
// does not touch. Neither input map is mutated. Blank keys and values are
// dropped the same way whether they come from base or extra.
func MergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for _, src := range []map[string]string{base, extra} {
		for k, v := range src {
			key := strings.TrimSpace(k)
			if key == "" || strings.TrimSpace(v) == "" {
				continue
			}
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
