package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSnapshotMiss is returned when no snapshot is cached for a job.
var ErrSnapshotMiss = errors.New("job snapshot not cached")

// Config holds Redis connection configuration
type Config struct {
	Addr        string
	DB          int
	SnapshotTTL time.Duration
}

// Client caches per-job status snapshots so progress polling from callers
// doesn't hammer Postgres. Snapshots expire; Postgres stays authoritative.
type Client struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Snapshot is the caller-facing progress shape mirrored into Redis on every
// reporter update.
type Snapshot struct {
	Status         string   `json:"status"`
	Progress       int      `json:"progress"`
	ExternalStatus string   `json:"external_status,omitempty"`
	Logs           []string `json:"logs"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	logger.Info("Connected to Redis",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
		slog.Duration("snapshot_ttl", ttl),
	)

	return &Client{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func snapshotKey(jobID string) string {
	return "job_snapshot:" + jobID
}

// SetSnapshot stores the job's current snapshot with TTL.
func (c *Client) SetSnapshot(ctx context.Context, jobID string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, snapshotKey(jobID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// GetSnapshot fetches the cached snapshot, or ErrSnapshotMiss.
func (c *Client) GetSnapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	data, err := c.rdb.Get(ctx, snapshotKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotMiss
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot drops the cached snapshot (on job deletion).
func (c *Client) DeleteSnapshot(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, snapshotKey(jobID)).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.rdb.Close()
}
