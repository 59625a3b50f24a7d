package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quillworks/quill-jobs/internal/data/pgxutil"
	"github.com/quillworks/quill-jobs/internal/domain/model"
	apperrors "github.com/quillworks/quill-jobs/internal/errors"
)

// Create inserts a new background job in status queued and returns the stored row.
func (s *JobStore) Create(
	ctx context.Context,
	req *model.CreateJobRequest,
) (*model.BackgroundJob, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, apperrors.Validation(validateErr.Error())
	}

	meta, err := encodeMetadata(model.MergeMetadata(nil, req.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	now := s.timeProvider.Now().UTC()
	query := `
		INSERT INTO background_jobs (
		  id, session_id, api_type, task_type, status, model, raw_input,
		  metadata, cleared, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $9)
		RETURNING ` + jobColumns
	args := []any{
		uuid.NewString(),
		req.SessionID,
		req.APIType,
		req.TaskType,
		model.JobStatusQueued,
		req.Model,
		req.RawInput,
		meta,
		now,
	}

	var job *model.BackgroundJob
	if txErr := pgxutil.WithPgxTx(ctx, s.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qErr := tx.Query(ctx, query, args...)
			if qErr != nil {
				return fmt.Errorf("insert job: %w", qErr)
			}
			var collectErr error
			job, collectErr = collectJobFromRows(rows)
			return collectErr
		},
	}); txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}

	return job, nil
}

// GetByID retrieves a job by its id.
func (s *JobStore) GetByID(ctx context.Context, id string) (*model.BackgroundJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// UpdateStatus applies a status transition under the compare-and-set
// precondition in upd.FromStatuses. Metadata is merged server-side with the
// jsonb || operator so keys the update does not name survive untouched.
// A failed precondition is reported as an invalid-transition error carrying
// the row's current status.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	id string,
	upd model.StatusUpdate,
) (*model.BackgroundJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if !upd.Status.Valid() {
		return nil, apperrors.ValidationField("status", "invalid target status")
	}

	meta, err := encodeMetadata(upd.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	metaExpr := "COALESCE(metadata, '{}'::jsonb)"
	if upd.ClearQueueRef {
		metaExpr = "(" + metaExpr + " - '" + model.MetaQueueJobID + "')"
	}
	sets := []string{
		"status = $2",
		"metadata = " + metaExpr + " || $3::jsonb",
		"updated_at = $4",
	}
	args := []any{id, upd.Status, meta, s.timeProvider.Now().UTC()}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Response != nil {
		addSet("response", *upd.Response)
	}
	if upd.ErrorMessage != nil {
		addSet("error_message", *upd.ErrorMessage)
	}
	if upd.OutputFilePath != nil {
		addSet("output_file_path", *upd.OutputFilePath)
	}
	if upd.StartTime != nil {
		addSet("start_time", upd.StartTime.UTC())
	}
	if upd.EndTime != nil {
		addSet("end_time", upd.EndTime.UTC())
	}
	if upd.Cleared != nil {
		addSet("cleared", *upd.Cleared)
	}

	where := "id = $1"
	if len(upd.FromStatuses) > 0 {
		from := make([]string, 0, len(upd.FromStatuses))
		for _, st := range upd.FromStatuses {
			from = append(from, string(st))
		}
		args = append(args, from)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := "UPDATE background_jobs SET " + strings.Join(sets, ", ") +
		" WHERE " + where + " RETURNING " + jobColumns

	row := s.DB.QueryRowContext(ctx, query, args...)
	job, scanErr := scanJobFromRow(row)
	if scanErr == nil {
		return job, nil
	}
	mapped := apperrors.MapDBError(scanErr)
	if !apperrors.IsNotFound(mapped) || len(upd.FromStatuses) == 0 {
		return nil, mapped
	}

	// Zero rows with a CAS precondition: distinguish a missing row from a
	// precondition that no longer holds.
	current, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.InvalidTransitionf(
		"job %s is %s, cannot transition to %s", id, current.Status, upd.Status)
}

// MergeMetadata merges the given keys into the job's metadata without touching
// any other column.
func (s *JobStore) MergeMetadata(
	ctx context.Context,
	id string,
	metadata map[string]string,
) (*model.BackgroundJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if len(metadata) == 0 {
		return s.GetByID(ctx, id)
	}

	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	row := s.DB.QueryRowContext(ctx, `
		UPDATE background_jobs
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    updated_at = $3
		WHERE id = $1
		RETURNING `+jobColumns, id, meta, s.timeProvider.Now().UTC())

	job, scanErr := scanJobFromRow(row)
	if scanErr != nil {
		return nil, apperrors.MapDBError(scanErr)
	}
	return job, nil
}

// ListBySession returns the session's jobs, newest first.
func (s *JobStore) ListBySession(
	ctx context.Context,
	sessionID string,
	opts *model.JobListOptions,
) ([]*model.BackgroundJob, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.ValidationField("session_id", "session id is required")
	}

	query := `SELECT ` + jobColumns + ` FROM background_jobs WHERE session_id = $1`
	args := []any{sessionID}

	if opts != nil {
		if opts.Status != nil {
			args = append(args, *opts.Status)
			query += ` AND status = $` + strconv.Itoa(len(args))
		}
		if !opts.IncludeCleared {
			query += ` AND cleared = false`
		}
	} else {
		query += ` AND cleared = false`
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if opts != nil && opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if opts != nil && opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	jobs := make([]*model.BackgroundJob, 0)
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, apperrors.MapDBError(scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, apperrors.MapDBError(rowsErr)
	}

	return jobs, nil
}

// DeleteBySession hard-deletes every job for the session.
func (s *JobStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, apperrors.ValidationField("session_id", "session id is required")
	}

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM background_jobs WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// ClearBySession soft-deletes the session's terminal jobs by setting cleared.
// Queued and running jobs are left visible.
func (s *JobStore) ClearBySession(ctx context.Context, sessionID string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, apperrors.ValidationField("session_id", "session id is required")
	}

	terminal := make([]string, 0, 3)
	for _, st := range model.TerminalStatuses() {
		terminal = append(terminal, string(st))
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE background_jobs
		SET cleared = true, updated_at = $2
		WHERE session_id = $1 AND status = ANY($3) AND cleared = false
	`, sessionID, s.timeProvider.Now().UTC(), terminal)
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// Stats returns job counts per status across all sessions.
func (s *JobStore) Stats(ctx context.Context) (*model.JobStats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM background_jobs GROUP BY status
	`)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	stats := &model.JobStats{}
	for rows.Next() {
		var status model.JobStatus
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, apperrors.MapDBError(scanErr)
		}
		switch status {
		case model.JobStatusQueued:
			stats.Queued = count
		case model.JobStatusRunning:
			stats.Running = count
		case model.JobStatusCompleted:
			stats.Completed = count
		case model.JobStatusFailed:
			stats.Failed = count
		case model.JobStatusCanceled:
			stats.Canceled = count
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, apperrors.MapDBError(rowsErr)
	}

	return stats, nil
}
