package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duropiri/novai-sub002/internal/api/domain"
	"github.com/duropiri/novai-sub002/internal/api/model"
	"github.com/duropiri/novai-sub002/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	job_id, idempotency_key, kind, status, progress,
	COALESCE(external_status, '') AS external_status,
	COALESCE(error_message, '') AS error_message,
	COALESCE(failed_stage, '') AS failed_stage,
	input_payload, output_payload, logs, cancel_requested,
	COALESCE(retry_of::text, '') AS retry_of,
	COALESCE(worker_id, '') AS worker_id,
	started_at, completed_at, created_at, updated_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, idempotency_key, kind, status, progress,
			input_payload, logs, retry_of, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, '{}', NULLIF($7, ''), $8, $9
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.IdempotencyKey,
		job.Kind,
		job.Status,
		job.Progress,
		job.InputPayload,
		job.RetryOf,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// FindByIdempotencyKey returns an existing job submitted with the same key,
// or nil when the key is unused.
func (s *Storage) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE idempotency_key = $1`

	err := s.db.GetContext(ctx, &job, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return &job, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkQueued flips a pending job to queued after its dispatch message landed.
func (s *Storage) MarkQueued(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`
	_, err := s.db.ExecContext(ctx, query, domain.JobStatusQueued, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job queued: %w", err)
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation. Jobs that have not
// been picked up yet are cancelled on the spot; a processing job is cancelled
// by its runner within one poll interval. Returns the resulting status.
func (s *Storage) RequestCancel(ctx context.Context, jobID string) (string, error) {
	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return "", err
	}

	if domain.TerminalStatus(job.Status) {
		return job.Status, domain.ErrJobTerminal
	}

	if job.Status == domain.JobStatusPending || job.Status == domain.JobStatusQueued {
		query := `
			UPDATE jobs
			SET status = $1, cancel_requested = TRUE, completed_at = NOW(), updated_at = NOW()
			WHERE job_id = $2 AND status IN ($3, $4)
		`
		res, err := s.db.ExecContext(ctx, query, domain.JobStatusCancelled, jobID, domain.JobStatusPending, domain.JobStatusQueued)
		if err != nil {
			return "", fmt.Errorf("failed to cancel job: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return domain.JobStatusCancelled, nil
		}
		// Lost the race with a worker claim; fall through to the flag path.
	}

	query := `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`
	if _, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing); err != nil {
		return "", fmt.Errorf("failed to request job cancellation: %w", err)
	}

	return domain.JobStatusProcessing, nil
}

// DeleteJob removes a terminal job.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !domain.TerminalStatus(job.Status) {
		return domain.ErrJobNotTerminal
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

type JobFilter struct {
	Kind     string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
