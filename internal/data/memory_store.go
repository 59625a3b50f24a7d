package data

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/quill-jobs/internal/domain/model"
	apperrors "github.com/quillworks/quill-jobs/internal/errors"
)

// MemoryStore is an in-memory JobStore used by dev mode and tests. It applies
// the same transition semantics as the Postgres store, including the
// compare-and-set precondition and merge-only metadata writes.
type MemoryStore struct {
	mu           sync.RWMutex
	jobs         map[string]*model.BackgroundJob
	timeProvider TimeProvider
}

// NewMemoryStore creates an empty MemoryStore. A nil TimeProvider falls back
// to real time.
func NewMemoryStore(tp TimeProvider) *MemoryStore {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &MemoryStore{
		jobs:         make(map[string]*model.BackgroundJob),
		timeProvider: tp,
	}
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJob(j *model.BackgroundJob) *model.BackgroundJob {
	out := *j
	out.Metadata = model.MergeMetadata(j.Metadata, nil)
	out.Response = cloneStringPtr(j.Response)
	out.ErrorMessage = cloneStringPtr(j.ErrorMessage)
	out.OutputFilePath = cloneStringPtr(j.OutputFilePath)
	out.StartTime = cloneTimePtr(j.StartTime)
	out.EndTime = cloneTimePtr(j.EndTime)
	return &out
}

// Create inserts a new job in status queued.
func (m *MemoryStore) Create(
	_ context.Context,
	req *model.CreateJobRequest,
) (*model.BackgroundJob, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	now := m.timeProvider.Now().UTC()
	job := &model.BackgroundJob{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		APIType:   req.APIType,
		TaskType:  req.TaskType,
		Status:    model.JobStatusQueued,
		Model:     req.Model,
		RawInput:  req.RawInput,
		Metadata:  model.MergeMetadata(nil, req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return cloneJob(job), nil
}

// GetByID retrieves a job by its id.
func (m *MemoryStore) GetByID(_ context.Context, id string) (*model.BackgroundJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return cloneJob(job), nil
}

// UpdateStatus applies a status transition with the same compare-and-set
// precondition as the Postgres store.
func (m *MemoryStore) UpdateStatus(
	_ context.Context,
	id string,
	upd model.StatusUpdate,
) (*model.BackgroundJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if !upd.Status.Valid() {
		return nil, apperrors.ValidationField("status", "invalid target status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}

	if len(upd.FromStatuses) > 0 {
		matched := false
		for _, st := range upd.FromStatuses {
			if job.Status == st {
				matched = true
				break
			}
		}
		if !matched {
			return nil, apperrors.InvalidTransitionf(
				"job %s is %s, cannot transition to %s", id, job.Status, upd.Status)
		}
	}

	job.Status = upd.Status
	if upd.ClearQueueRef {
		delete(job.Metadata, model.MetaQueueJobID)
	}
	job.Metadata = model.MergeMetadata(job.Metadata, upd.Metadata)
	if upd.Response != nil {
		v := *upd.Response
		job.Response = &v
	}
	if upd.ErrorMessage != nil {
		v := *upd.ErrorMessage
		job.ErrorMessage = &v
	}
	if upd.OutputFilePath != nil {
		v := *upd.OutputFilePath
		job.OutputFilePath = &v
	}
	if upd.StartTime != nil {
		t := upd.StartTime.UTC()
		job.StartTime = &t
	}
	if upd.EndTime != nil {
		t := upd.EndTime.UTC()
		job.EndTime = &t
	}
	if upd.Cleared != nil {
		job.Cleared = *upd.Cleared
	}
	job.UpdatedAt = m.timeProvider.Now().UTC()

	return cloneJob(job), nil
}

// MergeMetadata merges the given keys into the job's metadata.
func (m *MemoryStore) MergeMetadata(
	ctx context.Context,
	id string,
	metadata map[string]string,
) (*model.BackgroundJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if len(metadata) == 0 {
		return m.GetByID(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	job.Metadata = model.MergeMetadata(job.Metadata, metadata)
	job.UpdatedAt = m.timeProvider.Now().UTC()
	return cloneJob(job), nil
}

// ListBySession returns the session's jobs, newest first.
func (m *MemoryStore) ListBySession(
	_ context.Context,
	sessionID string,
	opts *model.JobListOptions,
) ([]*model.BackgroundJob, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.ValidationField("session_id", "session id is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	includeCleared := opts != nil && opts.IncludeCleared
	var statusFilter *model.JobStatus
	if opts != nil {
		statusFilter = opts.Status
	}

	jobs := make([]*model.BackgroundJob, 0)
	for _, job := range m.jobs {
		if job.SessionID != sessionID {
			continue
		}
		if job.Cleared && !includeCleared {
			continue
		}
		if statusFilter != nil && job.Status != *statusFilter {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if opts != nil && opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*model.BackgroundJob{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts != nil && opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}

	return jobs, nil
}

// DeleteBySession hard-deletes every job for the session.
func (m *MemoryStore) DeleteBySession(_ context.Context, sessionID string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, apperrors.ValidationField("session_id", "session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, job := range m.jobs {
		if job.SessionID == sessionID {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// ClearBySession soft-deletes the session's terminal jobs.
func (m *MemoryStore) ClearBySession(_ context.Context, sessionID string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, apperrors.ValidationField("session_id", "session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeProvider.Now().UTC()
	cleared := 0
	for _, job := range m.jobs {
		if job.SessionID == sessionID && job.Status.Terminal() && !job.Cleared {
			job.Cleared = true
			job.UpdatedAt = now
			cleared++
		}
	}
	return cleared, nil
}

// Stats returns job counts per status across all sessions.
func (m *MemoryStore) Stats(_ context.Context) (*model.JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &model.JobStats{}
	for _, job := range m.jobs {
		switch job.Status {
		case model.JobStatusQueued:
			stats.Queued++
		case model.JobStatusRunning:
			stats.Running++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		case model.JobStatusCanceled:
			stats.Canceled++
		}
	}
	return stats, nil
}

// CancelStaleRunning cancels jobs stuck in running longer than maxAge.
func (m *MemoryStore) CancelStaleRunning(
	_ context.Context,
	maxAge time.Duration,
	limit int,
) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeProvider.Now().UTC()
	cutoff := now.Add(-maxAge)

	var ids []string
	for id, job := range m.jobs {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if job.Status != model.JobStatusRunning || job.StartTime == nil {
			continue
		}
		if job.StartTime.Before(cutoff) {
			job.Status = model.JobStatusCanceled
			msg := "Job exceeded the maximum running time"
			job.ErrorMessage = &msg
			job.Metadata = model.MergeMetadata(job.Metadata, map[string]string{
				model.MetaCancellationReason: "stale_running",
			})
			endTime := now
			job.EndTime = &endTime
			job.UpdatedAt = now
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteOldTerminal removes terminal jobs older than maxAge.
func (m *MemoryStore) DeleteOldTerminal(
	_ context.Context,
	maxAge time.Duration,
	limit int,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.timeProvider.Now().UTC().Add(-maxAge)
	deleted := 0
	for id, job := range m.jobs {
		if limit > 0 && deleted >= limit {
			break
		}
		if !job.Status.Terminal() {
			continue
		}
		ref := job.UpdatedAt
		if job.EndTime != nil {
			ref = *job.EndTime
		}
		if ref.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}
