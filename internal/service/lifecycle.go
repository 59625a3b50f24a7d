package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quillworks/quill-jobs/internal/core"
	"github.com/quillworks/quill-jobs/internal/domain/model"
	apperrors "github.com/quillworks/quill-jobs/internal/errors"
	"github.com/quillworks/quill-jobs/internal/observability/metrics"
	"github.com/quillworks/quill-jobs/internal/observability/notify"
	"github.com/quillworks/quill-jobs/internal/observability/statsd"
	"github.com/quillworks/quill-jobs/internal/pool"
	"github.com/quillworks/quill-jobs/internal/provider"
	"github.com/quillworks/quill-jobs/internal/queue"
	"github.com/quillworks/quill-jobs/internal/service/failurenotifier"
)

// LifecycleServiceOptions groups dependencies for LifecycleService.
type LifecycleServiceOptions struct {
	Store           core.JobStore            // Required: durable job store
	Queue           *queue.PriorityQueue     // Required: in-memory scheduling queue
	Pool            *pool.RequestPool        // Required: in-flight request registry
	Logger          *slog.Logger             // Optional: structured logger
	Metrics         statsd.Sink              // Optional: lifecycle transition metrics
	FailureNotifier *failurenotifier.Service // Optional: failure notification fan-out
	Now             func() time.Time         // Optional: clock override for tests
}

// LifecycleService owns every status transition a background job can make.
//
// The store is authoritative for status; the queue and pool are transient
// views that the service keeps consistent on a best-effort basis. All
// terminal transitions go through compare-and-set updates so a slower
// writer can never overwrite a terminal state.
type LifecycleService struct {
	store           core.JobStore
	queue           *queue.PriorityQueue
	pool            *pool.RequestPool
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	now             func() time.Time
}

// NewLifecycleService constructs a LifecycleService.
func NewLifecycleService(opts LifecycleServiceOptions) (*LifecycleService, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("PriorityQueue is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("RequestPool is required")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "lifecycle_service")
	}

	return &LifecycleService{
		store:           opts.Store,
		queue:           opts.Queue,
		pool:            opts.Pool,
		logger:          logger,
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		now:             now,
	}, nil
}

// MustNewLifecycleService constructs a LifecycleService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewLifecycleService(opts LifecycleServiceOptions) *LifecycleService {
	svc, err := NewLifecycleService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create LifecycleService: %v", err))
	}
	return svc
}

// Create persists a new job, enqueues it for execution, and links the row to
// its queue entry. The job is visible in the store before the queue entry
// exists, so a crash between the two steps leaves a queued row the restore
// path can re-enqueue.
func (s *LifecycleService) Create(
	ctx context.Context,
	req *model.CreateJobRequest,
	payload *model.TaskPayload,
	priority *int,
) (*model.BackgroundJob, error) {
	if payload == nil {
		return nil, apperrors.Validation("task payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid task payload")
	}
	if req != nil && payload.TaskType != req.TaskType {
		return nil, apperrors.Validationf(
			"payload type %s does not match task type %s", payload.TaskType, req.TaskType)
	}

	raw, err := model.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	job, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	queueJobID := s.queue.Enqueue(ctx, queue.EnqueueParams{
		JobType:         job.TaskType,
		Payload:         raw,
		Priority:        priority,
		SessionID:       job.SessionID,
		BackgroundJobID: job.ID,
	})

	linked, err := s.store.MergeMetadata(ctx, job.ID, map[string]string{
		model.MetaQueueJobID: queueJobID,
	})
	if err != nil {
		// The entry is live either way; the worker clears the ref on dequeue.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to link job to queue entry",
				"job_id", job.ID,
				"queue_job_id", queueJobID,
				"error", err,
			)
		}
	} else {
		job = linked
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created and enqueued",
			"job_id", job.ID,
			"session_id", job.SessionID,
			"task_type", job.TaskType,
			"queue_job_id", queueJobID,
		)
	}

	s.emit(job, "create", metrics.ResultSuccess, 0, nil)
	return job, nil
}

// MarkRunning transitions a queued job to running and stamps its start time.
// The queue reference is dropped in the same write since the entry no longer
// exists once the worker holds the job.
//
// MarkRunning does not register the job in the request pool: only the caller
// that owns the provider request holds its CancelFunc, so the worker tracks
// the entry itself right after this transition. A direct caller that executes
// requests must do the same or Cancel cannot abort them in flight.
func (s *LifecycleService) MarkRunning(ctx context.Context, id string) (*model.BackgroundJob, error) {
	start := s.now().UTC()
	job, err := s.store.UpdateStatus(ctx, id, model.StatusUpdate{
		Status:        model.JobStatusRunning,
		FromStatuses:  []model.JobStatus{model.JobStatusQueued},
		StartTime:     &start,
		ClearQueueRef: true,
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job running", "job_id", id)
	}
	s.emit(job, "running", metrics.ResultSuccess, 0, nil)
	return job, nil
}

// CompletionResult carries the provider output for a successful job.
type CompletionResult struct {
	Response       string
	OutputFilePath string
	Model          string
	InputTokens    int
	OutputTokens   int
}

// MarkCompleted transitions a running job to completed with its result. Usage
// and model details land in metadata so existing keys survive.
func (s *LifecycleService) MarkCompleted(
	ctx context.Context,
	id string,
	result CompletionResult,
) (*model.BackgroundJob, error) {
	end := s.now().UTC()
	upd := model.StatusUpdate{
		Status:        model.JobStatusCompleted,
		FromStatuses:  []model.JobStatus{model.JobStatusRunning},
		EndTime:       &end,
		ClearQueueRef: true,
	}
	if result.Response != "" {
		upd.Response = &result.Response
	}
	if result.OutputFilePath != "" {
		upd.OutputFilePath = &result.OutputFilePath
	}

	meta := map[string]string{}
	if result.Model != "" {
		meta[model.MetaModel] = result.Model
	}
	if result.InputTokens > 0 {
		meta[model.MetaInputTokens] = strconv.Itoa(result.InputTokens)
	}
	if result.OutputTokens > 0 {
		meta[model.MetaOutputTokens] = strconv.Itoa(result.OutputTokens)
	}
	if len(meta) > 0 {
		upd.Metadata = meta
	}

	job, err := s.store.UpdateStatus(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	s.pool.Untrack(id)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed",
			"job_id", id,
			"duration", jobDuration(job),
		)
	}
	s.emit(job, "completed", metrics.ResultSuccess, jobDuration(job), nil)
	return job, nil
}

// FailureParams describes a terminal failure.
type FailureParams struct {
	Message   string
	ErrorKind provider.ErrorKind
	Retryable bool
}

// MarkFailed transitions a non-terminal job to failed. The classified error
// kind and retryability land in metadata for later inspection; retryable here
// records what the classifier said, it does not trigger a retry.
func (s *LifecycleService) MarkFailed(
	ctx context.Context,
	id string,
	params FailureParams,
) (*model.BackgroundJob, error) {
	if params.Message == "" {
		return nil, apperrors.Validation("error message is required")
	}

	end := s.now().UTC()
	upd := model.StatusUpdate{
		Status:        model.JobStatusFailed,
		FromStatuses:  model.NonTerminalStatuses(),
		ErrorMessage:  &params.Message,
		EndTime:       &end,
		ClearQueueRef: true,
	}
	meta := map[string]string{
		model.MetaRetryable: strconv.FormatBool(params.Retryable),
	}
	if params.ErrorKind != "" {
		meta[model.MetaErrorKind] = string(params.ErrorKind)
	}
	upd.Metadata = meta

	job, err := s.store.UpdateStatus(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	s.pool.Untrack(id)

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed",
			"job_id", id,
			"error_kind", params.ErrorKind,
			"retryable", params.Retryable,
			"error", params.Message,
		)
	}
	s.emit(job, "failed", metrics.ResultError, jobDuration(job), errors.New(params.Message))
	s.notifyFailure(ctx, job, params)
	return job, nil
}

// HandleProviderError classifies a provider failure and marks the job failed
// with the normalized message for that class. Retryable classes are recorded,
// not retried; callers that want retry semantics re-enqueue explicitly.
func (s *LifecycleService) HandleProviderError(
	ctx context.Context,
	id string,
	apiErr *provider.APIError,
) (*model.BackgroundJob, error) {
	class := provider.ClassifyError(apiErr)
	return s.MarkFailed(ctx, id, FailureParams{
		Message:   class.Message(),
		ErrorKind: class.Kind,
		Retryable: class.Retryable,
	})
}

// Cancel cancels a job from whatever state it is in. Each step is best
// effort: the queue entry is removed if one exists, the in-flight request is
// aborted if one is tracked, and the store write is the authoritative final
// word. Canceling an already terminal job is an idempotent no-op that
// returns the job unchanged.
func (s *LifecycleService) Cancel(ctx context.Context, id, reason string) (*model.BackgroundJob, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "cancel is a no-op for terminal job",
				"job_id", id,
				"status", job.Status,
			)
		}
		s.emit(job, "cancel", metrics.ResultNoop, 0, nil)
		return job, nil
	}

	if queueJobID, ok := job.QueueJobID(); ok {
		removed := s.queue.Remove(ctx, queueJobID)
		if s.logger != nil {
			s.logger.DebugContext(ctx, "queue entry removal attempted",
				"job_id", id,
				"queue_job_id", queueJobID,
				"removed", removed,
			)
		}
	}

	aborted := s.pool.Cancel(id)
	if aborted && s.logger != nil {
		s.logger.DebugContext(ctx, "in-flight request aborted", "job_id", id)
	}

	end := s.now().UTC()
	meta := map[string]string{}
	if reason != "" {
		meta[model.MetaCancellationReason] = reason
	}
	canceled, err := s.store.UpdateStatus(ctx, id, model.StatusUpdate{
		Status:        model.JobStatusCanceled,
		FromStatuses:  model.NonTerminalStatuses(),
		EndTime:       &end,
		Metadata:      meta,
		ClearQueueRef: true,
	})
	if err != nil {
		// Lost the race against another terminal writer: that writer wins and
		// cancellation reports the state it observed.
		if apperrors.IsInvalidTransition(err) {
			current, getErr := s.store.GetByID(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			s.emit(current, "cancel", metrics.ResultNoop, 0, nil)
			return current, nil
		}
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job canceled",
			"job_id", id,
			"reason", reason,
			"request_aborted", aborted,
		)
	}
	s.emit(canceled, "canceled", metrics.ResultSuccess, jobDuration(canceled), nil)
	return canceled, nil
}

// CancelSession cancels every non-terminal job in a session: queued entries
// leave the queue in one sweep, in-flight requests are aborted, and each job
// row is driven to canceled. Returns the number of jobs that transitioned.
func (s *LifecycleService) CancelSession(ctx context.Context, sessionID, reason string) (int, error) {
	removed := s.queue.RemoveBySession(ctx, sessionID)
	aborted := s.pool.CancelSession(sessionID)

	jobs, err := s.store.ListBySession(ctx, sessionID, nil)
	if err != nil {
		return 0, fmt.Errorf("list session jobs: %w", err)
	}

	canceled := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		result, err := s.Cancel(ctx, job.ID, reason)
		if err != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "failed to cancel session job",
					"job_id", job.ID,
					"session_id", sessionID,
					"error", err,
				)
			}
			continue
		}
		if result.Status == model.JobStatusCanceled {
			canceled++
		}
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "session canceled",
			"session_id", sessionID,
			"queue_entries_removed", removed,
			"requests_aborted", aborted,
			"jobs_canceled", canceled,
		)
	}
	return canceled, nil
}

// Get returns a job by id.
func (s *LifecycleService) Get(ctx context.Context, id string) (*model.BackgroundJob, error) {
	return s.store.GetByID(ctx, id)
}

// ListBySession returns the session's jobs, newest first.
func (s *LifecycleService) ListBySession(
	ctx context.Context,
	sessionID string,
	opts *model.JobListOptions,
) ([]*model.BackgroundJob, error) {
	return s.store.ListBySession(ctx, sessionID, opts)
}

// MergeMetadata merges caller metadata into a job without disturbing keys the
// lifecycle owns.
func (s *LifecycleService) MergeMetadata(
	ctx context.Context,
	id string,
	metadata map[string]string,
) (*model.BackgroundJob, error) {
	return s.store.MergeMetadata(ctx, id, metadata)
}

// DeleteSession removes every job row for a session after tearing down its
// queue entries and in-flight requests. Returns the number of rows deleted.
func (s *LifecycleService) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	s.queue.RemoveBySession(ctx, sessionID)
	s.pool.CancelSession(sessionID)

	deleted, err := s.store.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session jobs: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "session jobs deleted",
			"session_id", sessionID,
			"deleted", deleted,
		)
	}
	return deleted, nil
}

// ClearSession marks the session's terminal jobs as cleared so list calls
// stop returning them. Rows are kept for stats and retention sweeps.
func (s *LifecycleService) ClearSession(ctx context.Context, sessionID string) (int, error) {
	cleared, err := s.store.ClearBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session jobs: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "session jobs cleared",
			"session_id", sessionID,
			"cleared", cleared,
		)
	}
	return cleared, nil
}

// Stats returns store-wide job counts by status.
func (s *LifecycleService) Stats(ctx context.Context) (*model.JobStats, error) {
	return s.store.Stats(ctx)
}

func (s *LifecycleService) emit(job *model.BackgroundJob, transition, result string, d time.Duration, err error) {
	if s.metrics == nil || job == nil {
		return
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		TaskType:   string(job.TaskType),
		APIType:    string(job.APIType),
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

func (s *LifecycleService) notifyFailure(ctx context.Context, job *model.BackgroundJob, params FailureParams) {
	if s.failureNotifier == nil || !s.failureNotifier.Enabled() || job == nil {
		return
	}
	s.failureNotifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:      job.ID,
		SessionID:  job.SessionID,
		TaskType:   string(job.TaskType),
		APIType:    string(job.APIType),
		Model:      job.Model,
		Error:      params.Message,
		ErrorKind:  string(params.ErrorKind),
		OccurredAt: s.now().UTC(),
		Metadata:   metrics.CloneTags(job.Metadata),
	})
}

func jobDuration(job *model.BackgroundJob) time.Duration {
	if job == nil || job.StartTime == nil || job.EndTime == nil {
		return 0
	}
	d := job.EndTime.Sub(*job.StartTime)
	if d < 0 {
		return 0
	}
	return d
}
