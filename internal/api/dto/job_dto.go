package dto

// CreateJobRequest submits a new pipeline job. Input is kind-specific: a
// face-swap job carries source_video_url and identity; a training job carries
// the reference image set, and so on.
type CreateJobRequest struct {
	IdempotencyKey string         `json:"idempotency_key" binding:"required"`
	Kind           string         `json:"kind" binding:"required"`
	Input          map[string]any `json:"input" binding:"required"`
}

// RetryJobRequest re-submits a failed (or stuck) job with its original input.
type RetryJobRequest struct {
	FromFailedStage bool `json:"from_failed_stage"`
}

type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the caller-facing job snapshot.
type JobDTO struct {
	JobID          string         `json:"job_id"`
	Kind           string         `json:"kind"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	ExternalStatus string         `json:"external_status,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	FailedStage    string         `json:"failed_stage,omitempty"`
	Logs           []string       `json:"logs"`
	OutputPayload  map[string]any `json:"output_payload,omitempty"`
	RetryOf        string         `json:"retry_of,omitempty"`
	Stuck          bool           `json:"stuck,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	CompletedAt    string         `json:"completed_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}
