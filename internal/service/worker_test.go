package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill-jobs/internal/domain/model"
	"github.com/quillworks/quill-jobs/internal/provider"
)

type fakeClient struct {
	apiType model.APIType
	execute func(ctx context.Context, req provider.Request) (*provider.Response, error)
}

func (c *fakeClient) Execute(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return c.execute(ctx, req)
}

func (c *fakeClient) APIType() model.APIType { return c.apiType }

func newTestWorker(t *testing.T, fx *lifecycleFixture, client provider.Client) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerOptions{
		Lifecycle:      fx.svc,
		Queue:          fx.queue,
		Pool:           fx.pool,
		Clients:        map[model.APIType]provider.Client{client.APIType(): client},
		Concurrency:    1,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return w
}

func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitForStatus(t *testing.T, fx *lifecycleFixture, id string, want model.JobStatus) *model.BackgroundJob {
	t.Helper()
	var got *model.BackgroundJob
	require.Eventually(t, func() bool {
		job, err := fx.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestNewWorkerValidation(t *testing.T) {
	fx := newLifecycleFixture(t)

	_, err := NewWorker(WorkerOptions{})
	assert.Error(t, err)

	_, err = NewWorker(WorkerOptions{Lifecycle: fx.svc, Queue: fx.queue, Pool: fx.pool})
	assert.Error(t, err, "clients are required")
}

func TestWorkerCompletesJob(t *testing.T) {
	fx := newLifecycleFixture(t)
	ctx := context.Background()

	var gotPrompt atomic.Value
	client := &fakeClient{
		apiType: model.APITypeAnthropic,
		execute: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			gotPrompt.Store(req.Prompt)
			return &provider.Response{
				Text:         `^\d{5}$`,
				Model:        req.Model,
				InputTokens:  11,
				OutputTokens: 7,
			}, nil
		},
	}

	created, err := fx.svc.Create(ctx, testCreateRequest("session-1"), testPayload(), nil)
	require.NoError(t, err)

	stop := runWorker(t, newTestWorker(t, fx, client))
	defer stop()

	job := waitForStatus(t, fx, created.ID, model.JobStatusCompleted)
	require.NotNil(t, job.Response)
	assert.Equal(t, `^\d{5}$`, *job.Response)
	assert.Equal(t, "11", job.Metadata[model.MetaInputTokens])
	assert.Equal(t, "7", job.Metadata[model.MetaOutputTokens])
	assert.Equal(t, "match US zip codes", gotPrompt.Load())
	assert.False(t, fx.pool.Contains(created.ID), "pool entry must be released")
}

func TestWorkerRecordsProviderFailure(t *testing.T) {
	fx := newLifecycleFixture(t)
	ctx := context.Background()

	client := &fakeClient{
		apiType: model.APITypeAnthropic,
		execute: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			return nil, &provider.APIError{StatusCode: 429, Body: `{"error":{"type":"rate_limit_error"}}`}
		},
	}

	created, err := fx.svc.Create(ctx, testCreateRequest("session-1"), testPayload(), nil)
	require.NoError(t, err)

	stop := runWorker(t, newTestWorker(t, fx, client))
	defer stop()

	job := waitForStatus(t, fx, created.ID, model.JobStatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "provider rate limit exceeded", *job.ErrorMessage)
	assert.Equal(t, "RATE_LIMIT", job.Metadata[model.MetaErrorKind])
	assert.Equal(t, "true", job.Metadata[model.MetaRetryable])
}

func TestWorkerFailsJobWithoutClient(t *testing.T) {
	fx := newLifecycleFixture(t)
	ctx := context.Background()

	client := &fakeClient{
		apiType: model.APITypeOpenAI,
		execute: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			t.Error("openai client must not run an anthropic job")
			return nil, nil
		},
	}

	created, err := fx.svc.Create(ctx, testCreateRequest("session-1"), testPayload(), nil)
	require.NoError(t, err)

	stop := runWorker(t, newTestWorker(t, fx, client))
	defer stop()

	job := waitForStatus(t, fx, created.ID, model.JobStatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "no client configured")
}

func TestWorkerSkipsCanceledJob(t *testing.T) {
	fx := newLifecycleFixture(t)
	ctx := context.Background()

	executed := atomic.Bool{}
	client := &fakeClient{
		apiType: model.APITypeAnthropic,
		execute: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			executed.Store(true)
			return &provider.Response{Text: "out"}, nil
		},
	}

	created, err := fx.svc.Create(ctx, testCreateRequest("session-1"), testPayload(), nil)
	require.NoError(t, err)

	// Cancel through the store only, leaving the queue entry behind. The
	// worker must notice the job is no longer queued and drop the entry.
	_, err = fx.store.UpdateStatus(ctx, created.ID, model.StatusUpdate{
		Status:       model.JobStatusCanceled,
		FromStatuses: model.NonTerminalStatuses(),
	})
	require.NoError(t, err)

	stop := runWorker(t, newTestWorker(t, fx, client))
	defer stop()

	require.Eventually(t, func() bool {
		return fx.queue.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	job, err := fx.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, job.Status)
	assert.False(t, executed.Load(), "provider must not be called for a canceled job")
}

func TestWorkerCancelMidFlight(t *testing.T) {
	fx := newLifecycleFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	client := &fakeClient{
		apiType: model.APITypeAnthropic,
		execute: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	created, err := fx.svc.Create(ctx, testCreateRequest("session-1"), testPayload(), nil)
	require.NoError(t, err)

	stop := runWorker(t, newTestWorker(t, fx, client))
	defer stop()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}

	// The pool entry is registered right before Execute; wait for it so the
	// cancellation exercises the abort path.
	require.Eventually(t, func() bool {
		return fx.pool.Contains(created.ID)
	}, 5*time.Second, 10*time.Millisecond)

	canceled, err := fx.svc.Cancel(ctx, created.ID, "user_requested")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, canceled.Status)

	// The worker observes the abort and must not overwrite the terminal state.
	job := waitForStatus(t, fx, created.ID, model.JobStatusCanceled)
	assert.Equal(t, "user_requested", job.Metadata[model.MetaCancellationReason])
}

func TestWorkerTimesOutSlowProvider(t *testing.T) {
	fx := newLifecycleFixture(t)
	ctx := context.Background()

	client := &fakeClient{
		apiType: model.APITypeAnthropic,
		execute: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	created, err := fx.svc.Create(ctx, testCreateRequest("session-1"), testPayload(), nil)
	require.NoError(t, err)

	w, err := NewWorker(WorkerOptions{
		Lifecycle:      fx.svc,
		Queue:          fx.queue,
		Pool:           fx.pool,
		Clients:        map[model.APIType]provider.Client{model.APITypeAnthropic: client},
		Concurrency:    1,
		RequestTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	stop := runWorker(t, w)
	defer stop()

	job := waitForStatus(t, fx, created.ID, model.JobStatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "timeout")
}
