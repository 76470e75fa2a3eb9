package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duropiri/novai-sub002/internal/orchestrator"
	"github.com/duropiri/novai-sub002/internal/worker/domain"
	"github.com/duropiri/novai-sub002/internal/worker/storage"
	"github.com/duropiri/novai-sub002/shared/postgresql"
	"github.com/duropiri/novai-sub002/shared/rabbitmq"
	"github.com/duropiri/novai-sub002/shared/rediscache"
	"github.com/google/uuid"
)

const stuckSweepBatch = 50

// Config holds worker configuration
type Config struct {
	Logger              *slog.Logger
	DBClient            *postgresql.Client
	RabbitClient        *rabbitmq.Client
	Cache               *rediscache.Client
	Builder             orchestrator.PipelineBuilder
	Concurrency         int
	JobTimeout          time.Duration
	PrefetchCount       int
	QueueName           string
	CancelCheckInterval time.Duration
	StuckThreshold      time.Duration
}

// Worker consumes job dispatch messages and drives each job's pipeline to a
// terminal state through the orchestrator runner.
type Worker struct {
	logger         *slog.Logger
	storage        *storage.Storage
	rabbitClient   *rabbitmq.Client
	runner         *orchestrator.Runner
	workerID       string
	concurrency    int
	jobTimeout     time.Duration
	prefetchCount  int
	queueName      string
	stuckThreshold time.Duration
	jobsChan       chan *domain.JobMessage
	wg             sync.WaitGroup
	stopChan       chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	logger := cfg.Logger.With(slog.String("worker_id", workerID))

	store := storage.NewStorage(cfg.DBClient.GetDB(), cfg.Cache, logger)

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:         logger,
		storage:        store,
		rabbitClient:   cfg.RabbitClient,
		runner:         orchestrator.NewRunner(store, cfg.Builder, cfg.CancelCheckInterval, logger),
		workerID:       workerID,
		concurrency:    concurrency,
		jobTimeout:     cfg.JobTimeout,
		prefetchCount:  prefetch,
		queueName:      cfg.QueueName,
		stuckThreshold: cfg.StuckThreshold,
		jobsChan:       make(chan *domain.JobMessage),
		stopChan:       make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. It blocks until the context is
// canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	if w.stuckThreshold > 0 {
		w.wg.Add(1)
		go w.stuckSweeper(ctx)
	}

	w.startMessageDispatcher(ctx, deliveries)
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// stuckSweeper periodically flags processing jobs whose started_at is older
// than the threshold. The jobs stay processing; callers see them as stuck and
// can retry them, so the sweep only surfaces them in the logs.
func (w *Worker) stuckSweeper(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.stuckThreshold)
	defer ticker.Stop()

	interval := fmt.Sprintf("%d seconds", int(w.stuckThreshold.Seconds()))

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := w.storage.FindStuckJobs(ctx, interval, stuckSweepBatch)
			if err != nil {
				w.logger.Warn("Stuck job sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			for _, id := range ids {
				w.logger.Warn("Job appears stuck",
					slog.String("job_id", id),
					slog.Duration("threshold", w.stuckThreshold),
				)
			}
		}
	}
}
