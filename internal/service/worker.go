package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quillworks/quill-jobs/internal/domain/model"
	apperrors "github.com/quillworks/quill-jobs/internal/errors"
	"github.com/quillworks/quill-jobs/internal/pool"
	"github.com/quillworks/quill-jobs/internal/provider"
	"github.com/quillworks/quill-jobs/internal/queue"
)

// WorkerOptions configures the queue worker.
type WorkerOptions struct {
	Lifecycle *LifecycleService                 // Required: drives all status transitions
	Queue     *queue.PriorityQueue              // Required: source of work
	Pool      *pool.RequestPool                 // Required: in-flight request registry
	Clients   map[model.APIType]provider.Client // Required: one client per provider
	Logger    *slog.Logger                      // Optional: structured logger

	Concurrency    int           // number of worker goroutines; defaults to 1
	RequestTimeout time.Duration // per-request deadline; defaults to 5 minutes
	MaxTokens      int           // provider max tokens; defaults to 4096
}

// Worker pulls entries off the priority queue and executes them against the
// matching provider client. Each in-flight request is tracked in the pool so
// cancellation can abort it mid-call.
type Worker struct {
	lifecycle *LifecycleService
	queue     *queue.PriorityQueue
	pool      *pool.RequestPool
	clients   map[model.APIType]provider.Client
	logger    *slog.Logger

	concurrency    int
	requestTimeout time.Duration
	maxTokens      int
}

// NewWorker constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Lifecycle == nil {
		return nil, errors.New("LifecycleService is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("PriorityQueue is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("RequestPool is required")
	}
	if len(opts.Clients) == 0 {
		return nil, errors.New("at least one provider client is required")
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker")
	}

	return &Worker{
		lifecycle:      opts.Lifecycle,
		queue:          opts.Queue,
		pool:           opts.Pool,
		clients:        opts.Clients,
		logger:         logger,
		concurrency:    concurrency,
		requestTimeout: requestTimeout,
		maxTokens:      maxTokens,
	}, nil
}

// MustNewWorker constructs a Worker and panics on error.
func MustNewWorker(opts WorkerOptions) *Worker {
	w, err := NewWorker(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create Worker: %v", err))
	}
	return w
}

// Run processes queue entries until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.logger != nil {
		w.logger.InfoContext(ctx, "starting queue worker",
			"workers", w.concurrency,
			"request_timeout", w.requestTimeout,
		)
	}

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		group.Go(func() error { return w.runWorkerLoop(gctx) })
	}
	return group.Wait()
}

func (w *Worker) runWorkerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		entry, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if w.logger != nil {
				w.logger.ErrorContext(ctx, "failed to dequeue", "error", err)
			}
			return err
		}
		w.execute(ctx, entry)
	}
	return nil
}

// execute runs a single queue entry end to end. Every exit path lands the job
// in a terminal state except shutdown and lost cancellation races, where the
// cancel writer or the stale-running sweep owns the final word.
func (w *Worker) execute(ctx context.Context, entry *model.QueueEntry) {
	jobID := entry.BackgroundJobID

	payload, err := model.DecodePayload(entry.Payload)
	if err != nil {
		w.failJob(ctx, jobID, FailureParams{
			Message: fmt.Sprintf("undecodable task payload: %v", err),
		})
		return
	}

	job, err := w.lifecycle.MarkRunning(ctx, jobID)
	if err != nil {
		switch {
		case apperrors.IsInvalidTransition(err):
			// Canceled while queued; the entry outlived the job.
			if w.logger != nil {
				w.logger.DebugContext(ctx, "skipping dequeued entry for non-queued job",
					"job_id", jobID,
					"queue_job_id", entry.QueueJobID,
				)
			}
		case apperrors.IsNotFound(err):
			if w.logger != nil {
				w.logger.WarnContext(ctx, "dequeued entry references missing job",
					"job_id", jobID,
					"queue_job_id", entry.QueueJobID,
				)
			}
		default:
			if w.logger != nil {
				w.logger.ErrorContext(ctx, "failed to mark job running",
					"job_id", jobID,
					"error", err,
				)
			}
		}
		return
	}

	client, ok := w.clients[job.APIType]
	if !ok {
		w.failJob(ctx, jobID, FailureParams{
			Message: fmt.Sprintf("no client configured for provider %s", job.APIType),
		})
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	w.pool.Track(pool.TrackParams{
		RequestID:   jobID,
		SessionID:   job.SessionID,
		RequestType: job.TaskType,
		Cancel:      cancel,
	})
	defer w.pool.Untrack(jobID)

	resp, err := client.Execute(reqCtx, provider.Request{
		Model:     job.Model,
		Prompt:    payload.Prompt(),
		MaxTokens: w.maxTokens,
	})
	if err != nil {
		w.handleExecuteError(ctx, reqCtx, jobID, err)
		return
	}

	if _, err := w.lifecycle.MarkCompleted(ctx, jobID, CompletionResult{
		Response:     resp.Text,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}); err != nil {
		if apperrors.IsInvalidTransition(err) {
			// Canceled mid-flight after the provider call finished; the
			// cancellation wins and the result is discarded.
			if w.logger != nil {
				w.logger.DebugContext(ctx, "discarding result for job no longer running",
					"job_id", jobID,
				)
			}
			return
		}
		if w.logger != nil {
			w.logger.ErrorContext(ctx, "failed to mark job completed",
				"job_id", jobID,
				"error", err,
			)
		}
	}
}

// handleExecuteError routes a failed provider call to the right terminal
// state. Classified API errors become failed; an aborted request context
// means a cancel writer owns the terminal write and the worker stays out.
func (w *Worker) handleExecuteError(ctx, reqCtx context.Context, jobID string, err error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		if _, herr := w.lifecycle.HandleProviderError(ctx, jobID, apiErr); herr != nil &&
			!apperrors.IsInvalidTransition(herr) {
			if w.logger != nil {
				w.logger.ErrorContext(ctx, "failed to record provider error",
					"job_id", jobID,
					"error", herr,
				)
			}
		}
		return
	}

	switch {
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		w.failJob(ctx, jobID, FailureParams{
			Message: fmt.Sprintf("provider request exceeded the %s timeout", w.requestTimeout),
		})
	case errors.Is(reqCtx.Err(), context.Canceled) && ctx.Err() == nil:
		// Aborted through the pool; the cancel path writes the terminal state.
		if w.logger != nil {
			w.logger.DebugContext(ctx, "provider request aborted by cancellation",
				"job_id", jobID,
			)
		}
	case ctx.Err() != nil:
		// Shutdown while in flight. The row stays running and the
		// stale-running sweep reclaims it.
		if w.logger != nil {
			w.logger.WarnContext(ctx, "shutdown interrupted in-flight job",
				"job_id", jobID,
			)
		}
	default:
		w.failJob(ctx, jobID, FailureParams{
			Message: fmt.Sprintf("provider request failed: %v", err),
		})
	}
}

func (w *Worker) failJob(ctx context.Context, jobID string, params FailureParams) {
	if _, err := w.lifecycle.MarkFailed(ctx, jobID, params); err != nil {
		if apperrors.IsInvalidTransition(err) {
			return
		}
		if w.logger != nil {
			w.logger.ErrorContext(ctx, "failed to mark job failed",
				"job_id", jobID,
				"error", err,
			)
		}
	}
}
