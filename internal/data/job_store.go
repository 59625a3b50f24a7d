package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

// StoreConfig holds configuration options for the job store.
type StoreConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobStore provides Postgres-backed persistence for background jobs.
type JobStore struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobStore creates a new JobStore instance with the given database connection and configuration.
func NewJobStore(db *sql.DB, cfg StoreConfig) *JobStore {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobStore{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  session_id,
  api_type,
  task_type,
  status,
  model,
  raw_input,
  response,
  error_message,
  output_file_path,
  metadata,
  start_time,
  end_time,
  cleared,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	metadata                               []byte
	response, errorMessage, outputFilePath sql.NullString
	startTime, endTime                     sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.BackgroundJob) error {
	return scanner.Scan(
		&job.ID,
		&job.SessionID,
		&job.APIType,
		&job.TaskType,
		&job.Status,
		&job.Model,
		&job.RawInput,
		&d.response,
		&d.errorMessage,
		&d.outputFilePath,
		&d.metadata,
		&d.startTime,
		&d.endTime,
		&job.Cleared,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.BackgroundJob) error {
	meta, err := decodeMetadata(d.metadata)
	if err != nil {
		return err
	}
	job.Metadata = meta
	job.Response = cloneNullableString(d.response)
	job.ErrorMessage = cloneNullableString(d.errorMessage)
	job.OutputFilePath = cloneNullableString(d.outputFilePath)
	job.StartTime = cloneNullableTime(d.startTime)
	job.EndTime = cloneNullableTime(d.endTime)
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.BackgroundJob, error) {
	job := &model.BackgroundJob{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

// collectJobFromRows scans a single job from pgx rows. It always closes the
// rows so the connection is free for the caller's commit.
func collectJobFromRows(rows pgx.Rows) (*model.BackgroundJob, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func encodeMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(meta)
}
