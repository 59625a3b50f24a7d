package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quillworks/quill-jobs/internal/data/pgxutil"
	"github.com/quillworks/quill-jobs/internal/domain/model"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for quill-jobs reaper operations.
const (
	advisoryLockReaperMajor       = 1000
	advisoryLockReaperCancelStale = 1 // minor key for CancelStaleRunning
	advisoryLockReaperDelete      = 2 // minor key for DeleteOldTerminal
)

// CancelStaleRunning cancels jobs stuck in running longer than maxAge, which
// happens when a worker crashed without writing a terminal state. Processes
// up to limit
// jobs per call and returns the ids it transitioned. Uses advisory locks to
// prevent concurrent reaper instances from conflicting.
func (s *JobStore) CancelStaleRunning(
	ctx context.Context,
	maxAge time.Duration,
	limit int,
) ([]string, error) {
	var ids []string
	err := pgxutil.WithSQLTx(ctx, s.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperCancelStale).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			currentTime := s.timeProvider.Now()
			cutoffTime := currentTime.Add(-maxAge)

			rows, err := tx.QueryContext(ctx, `
				UPDATE background_jobs
				SET status = $1,
					error_message = 'Job exceeded the maximum running time',
					metadata = COALESCE(metadata, '{}'::jsonb) ||
						jsonb_build_object('cancellation_reason', 'stale_running'),
					end_time = $2,
					updated_at = $2
				WHERE id IN (
					SELECT id FROM background_jobs
					WHERE status = $3
					  AND start_time IS NOT NULL
					  AND start_time < $4
					ORDER BY start_time
					LIMIT $5
					FOR UPDATE SKIP LOCKED
				)
				RETURNING id
			`, model.JobStatusCanceled, currentTime.UTC(), model.JobStatusRunning,
				cutoffTime.UTC(), limit)
			if err != nil {
				return fmt.Errorf("cancel stale running jobs: %w", err)
			}
			defer func() {
				_ = rows.Close()
			}()

			for rows.Next() {
				var id string
				if scanErr := rows.Scan(&id); scanErr != nil {
					return fmt.Errorf("scan canceled job id: %w", scanErr)
				}
				ids = append(ids, id)
			}
			return rows.Err()
		},
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteOldTerminal deletes terminal jobs older than maxAge.
// Processes up to limit jobs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of jobs deleted.
func (s *JobStore) DeleteOldTerminal(
	ctx context.Context,
	maxAge time.Duration,
	limit int,
) (int, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, s.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoffTime := s.timeProvider.Now().Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				DELETE FROM background_jobs
				WHERE id IN (
					SELECT id FROM background_jobs
					WHERE status = ANY($1)
					  AND (end_time < $2 OR (end_time IS NULL AND updated_at < $2))
					ORDER BY COALESCE(end_time, updated_at)
					LIMIT $3
				)
			`, []string{
				string(model.JobStatusCompleted),
				string(model.JobStatusFailed),
				string(model.JobStatusCanceled),
			}, cutoffTime.UTC(), limit)
			if err != nil {
				return fmt.Errorf("delete old terminal jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}
