package handler

import (
	"log/slog"
	"time"

	"github.com/duropiri/novai-sub002/internal/api/storage"
	"github.com/duropiri/novai-sub002/shared/postgresql"
	"github.com/duropiri/novai-sub002/shared/rabbitmq"
	"github.com/duropiri/novai-sub002/shared/rediscache"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	DBClient       *postgresql.Client
	RabbitClient   *rabbitmq.Client
	Cache          *rediscache.Client
	StuckThreshold time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	storage        *storage.Storage
	rabbitClient   *rabbitmq.Client
	cache          *rediscache.Client
	stuckThreshold time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	threshold := deps.StuckThreshold
	if threshold <= 0 {
		threshold = time.Hour
	}
	return &JobHandler{
		logger:         deps.Logger,
		storage:        storage.NewStorage(deps.DBClient),
		rabbitClient:   deps.RabbitClient,
		cache:          deps.Cache,
		stuckThreshold: threshold,
	}
}
