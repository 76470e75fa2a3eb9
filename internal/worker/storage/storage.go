package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duropiri/novai-sub002/internal/orchestrator"
	"github.com/duropiri/novai-sub002/internal/worker/domain"
	"github.com/duropiri/novai-sub002/shared/rediscache"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// maxLogLines mirrors the reporter's in-memory cap so the persisted log
// array never grows past it either.
const maxLogLines = 200

// Storage handles all database operations for the worker. It implements
// orchestrator.JobStore and mirrors every write into the Redis snapshot
// cache so status reads don't hit Postgres.
type Storage struct {
	db     *sqlx.DB
	cache  *rediscache.Client
	logger *slog.Logger
}

// NewStorage creates a new Storage instance. cache may be nil; snapshot
// mirroring is then skipped.
func NewStorage(db *sqlx.DB, cache *rediscache.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		cache:  cache,
		logger: logger,
	}
}

// Get retrieves a job by its ID.
func (s *Storage) Get(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	query := `
		SELECT job_id, kind, status, progress,
		       COALESCE(external_status, '') AS external_status,
		       COALESCE(error_message, '') AS error_message,
		       COALESCE(failed_stage, '') AS failed_stage,
		       input_payload, output_payload, logs, cancel_requested,
		       COALESCE(retry_of::text, '') AS retry_of,
		       started_at, completed_at, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	var row struct {
		orchestrator.Job
		InputPayload  []byte         `db:"input_payload"`
		OutputPayload []byte         `db:"output_payload"`
		LogLines      pq.StringArray `db:"logs"`
	}

	err := s.db.QueryRowxContext(ctx, query, jobID).Scan(
		&row.JobID,
		&row.Kind,
		&row.Status,
		&row.Progress,
		&row.ExternalStatus,
		&row.ErrorMessage,
		&row.FailedStage,
		&row.InputPayload,
		&row.OutputPayload,
		&row.LogLines,
		&row.CancelRequest,
		&row.RetryOf,
		&row.StartedAt,
		&row.CompletedAt,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orchestrator.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := row.Job
	job.Logs = []string(row.LogLines)

	if len(row.InputPayload) > 0 {
		if err := json.Unmarshal(row.InputPayload, &job.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input payload: %w", err)
		}
	}
	if len(row.OutputPayload) > 0 {
		if err := json.Unmarshal(row.OutputPayload, &job.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output payload: %w", err)
		}
	}

	return &job, nil
}

// ClaimJob attempts to claim a dispatched job using optimistic locking.
// Only pending or queued jobs without a pending cancel are claimable; the
// status moves to processing and started_at is stamped atomically.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*orchestrator.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
		  AND NOT cancel_requested
		RETURNING job_id
	`

	var claimed string
	err := s.db.QueryRowContext(ctx, query,
		orchestrator.JobStatusProcessing, workerID, jobID,
		orchestrator.JobStatusPending, orchestrator.JobStatusQueued,
	).Scan(&claimed)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The claim may have lost a race with a cancel request that
			// arrived after dispatch. Settle the flag so the job doesn't
			// sit queued forever.
			if s.settleCancelled(ctx, jobID) {
				return nil, domain.ErrJobCancelledBeforeStart
			}
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("kind", job.Kind),
	)

	return job, nil
}

// settleCancelled finalizes a pending/queued job whose cancel flag beat the
// claim. Returns true if it moved the job to cancelled.
func (s *Storage) settleCancelled(ctx context.Context, jobID string) bool {
	query := `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
		  AND cancel_requested
	`
	res, err := s.db.ExecContext(ctx, query,
		orchestrator.JobStatusCancelled, jobID,
		orchestrator.JobStatusPending, orchestrator.JobStatusQueued,
	)
	if err != nil {
		s.logger.Error("Failed to settle cancelled job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Job cancelled before processing started",
			slog.String("job_id", jobID),
		)
	}
	return n > 0
}

// Update applies the non-nil fields of update to the job row. Terminal jobs
// never change again; the WHERE clause enforces that for every write except
// the transition into the terminal state itself.
func (s *Storage) Update(ctx context.Context, jobID string, update orchestrator.JobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Status != nil {
		sets = append(sets, "status = "+arg(*update.Status))
	}
	if update.Progress != nil {
		sets = append(sets, "progress = "+arg(*update.Progress))
	}
	if update.ExternalStatus != nil {
		sets = append(sets, "external_status = "+arg(*update.ExternalStatus))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*update.ErrorMessage))
	}
	if update.FailedStage != nil {
		sets = append(sets, "failed_stage = NULLIF("+arg(*update.FailedStage)+", '')")
	}
	if update.Output != nil {
		data, err := json.Marshal(update.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output payload: %w", err)
		}
		sets = append(sets, "output_payload = "+arg(data))
	}
	if len(update.AppendLogs) > 0 {
		p := arg(pq.StringArray(update.AppendLogs))
		capped := fmt.Sprintf(
			"(array_cat(logs, %s::text[]))[greatest(cardinality(array_cat(logs, %s::text[])) - %d, 1):]",
			p, p, maxLogLines-1,
		)
		sets = append(sets, "logs = "+capped)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*update.CompletedAt))
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET %s
		WHERE job_id = %s
		  AND status NOT IN (%s, %s, %s)
		RETURNING status, progress,
		          COALESCE(external_status, '') AS external_status,
		          COALESCE(error_message, '') AS error_message,
		          logs
	`,
		strings.Join(sets, ",\n\t\t    "),
		arg(jobID),
		arg(orchestrator.JobStatusCompleted),
		arg(orchestrator.JobStatusFailed),
		arg(orchestrator.JobStatusCancelled),
	)

	var snap rediscache.Snapshot
	var logLines pq.StringArray
	err := s.db.QueryRowxContext(ctx, query, args...).Scan(
		&snap.Status,
		&snap.Progress,
		&snap.ExternalStatus,
		&snap.ErrorMessage,
		&logLines,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Missing row and terminal row are indistinguishable here; a
			// terminal job is frozen, so either way the write is a no-op.
			var exists bool
			if checkErr := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)", jobID).Scan(&exists); checkErr == nil && !exists {
				return orchestrator.ErrJobNotFound
			}
			return nil
		}
		return fmt.Errorf("failed to update job: %w", err)
	}

	snap.Logs = []string(logLines)
	s.mirrorSnapshot(ctx, jobID, &snap)
	return nil
}

// CancelRequested reports the job's cancel flag.
func (s *Storage) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, "SELECT cancel_requested FROM jobs WHERE job_id = $1", jobID).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, orchestrator.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// mirrorSnapshot pushes the post-update job state into Redis. Cache failures
// only cost the fast path, so they are logged and swallowed.
func (s *Storage) mirrorSnapshot(ctx context.Context, jobID string, snap *rediscache.Snapshot) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetSnapshot(ctx, jobID, snap); err != nil {
		s.logger.Warn("Failed to mirror job snapshot to cache",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// FindStuckJobs returns IDs of processing jobs whose started_at is older
// than the threshold interval, for the sweeper to re-dispatch or flag.
func (s *Storage) FindStuckJobs(ctx context.Context, olderThan string, limit int) ([]string, error) {
	query := `
		SELECT job_id
		FROM jobs
		WHERE status = $1
		  AND started_at IS NOT NULL
		  AND started_at < NOW() - $2::interval
		ORDER BY started_at ASC
		LIMIT $3
	`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, orchestrator.JobStatusProcessing, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}
	return ids, nil
}
