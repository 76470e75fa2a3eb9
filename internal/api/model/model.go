package model

import (
	"time"

	"github.com/lib/pq"
)

// Job is the persisted job record. Input and output payloads are stored as
// JSONB; logs as a text array capped by the reporter's retention policy.
type Job struct {
	JobID           string         `db:"job_id"`
	IdempotencyKey  string         `db:"idempotency_key"`
	Kind            string         `db:"kind"`
	Status          string         `db:"status"`
	Progress        int            `db:"progress"`
	ExternalStatus  string         `db:"external_status"`
	ErrorMessage    string         `db:"error_message"`
	FailedStage     string         `db:"failed_stage"`
	InputPayload    []byte         `db:"input_payload"`
	OutputPayload   []byte         `db:"output_payload"`
	Logs            pq.StringArray `db:"logs"`
	CancelRequested bool           `db:"cancel_requested"`
	RetryOf         string         `db:"retry_of"`
	WorkerID        string         `db:"worker_id"`
	StartedAt       *time.Time     `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}
