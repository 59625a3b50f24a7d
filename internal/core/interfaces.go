package core

import (
	"context"
	"time"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobStore defines the interface for background job persistence.
type JobStore interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.BackgroundJob, error)
	GetByID(ctx context.Context, id string) (*model.BackgroundJob, error)
	// UpdateStatus applies a status transition. When upd.FromStatuses is
	// non-empty the write is compare-and-set: it succeeds only if the job is
	// currently in one of those statuses, and returns an invalid-transition
	// error otherwise. Metadata in upd is merged into the stored metadata, never
	// replacing keys the update does not name.
	UpdateStatus(ctx context.Context, id string, upd model.StatusUpdate) (*model.BackgroundJob, error)
	// MergeMetadata merges the given keys into the job's metadata without
	// touching status or any other column.
	MergeMetadata(ctx context.Context, id string, metadata map[string]string) (*model.BackgroundJob, error)
	ListBySession(ctx context.Context, sessionID string, opts *model.JobListOptions) ([]*model.BackgroundJob, error)
	// DeleteBySession hard-deletes every job for the session and returns the
	// number of rows removed.
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
	// ClearBySession soft-deletes terminal jobs for the session by setting
	// the cleared flag, leaving rows in place for audit.
	ClearBySession(ctx context.Context, sessionID string) (int, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	// CancelStaleRunning cancels jobs stuck in running longer than maxAge and
	// returns the ids it transitioned. Used by the reaper to recover from
	// worker crashes.
	CancelStaleRunning(ctx context.Context, maxAge time.Duration, limit int) ([]string, error)
	// DeleteOldTerminal removes terminal jobs older than maxAge in batches of
	// at most limit rows, returning the number deleted.
	DeleteOldTerminal(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}
