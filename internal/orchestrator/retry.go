package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultMaxAttempts bounds retries of a single operation
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is multiplied by the attempt number for linear backoff
	DefaultBaseDelay = 2 * time.Second
)

// Retrier executes an operation with bounded retry on transient failure and
// linear backoff (BaseDelay * attempt). Only errors classified as retryable
// by Retryable are retried; everything else propagates immediately.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
}

// NewRetrier creates a Retrier with defaults applied for zero values.
func NewRetrier(maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Logger:      logger,
	}
}

// Do runs fn until it succeeds, fails terminally, or the attempt budget is
// exhausted. A panic inside fn is recovered and coerced into an error before
// classification so a misbehaving operation can't take down the worker.
func (r *Retrier) Do(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", opName, err)
		}

		err := r.run(ctx, fn)
		if err == nil {
			if attempt > 1 {
				r.Logger.Info("Operation succeeded after retry",
					slog.String("operation", opName),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}

		lastErr = err

		if !Retryable(err) {
			r.Logger.Error("Operation failed with non-retryable error",
				slog.String("operation", opName),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%s failed on attempt %d: %w", opName, attempt, err)
		}

		if attempt < r.MaxAttempts {
			backoff := r.BaseDelay * time.Duration(attempt)
			r.Logger.Warn("Operation failed, backing off before retry",
				slog.String("operation", opName),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", r.MaxAttempts),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s aborted during backoff: %w", opName, ctx.Err())
			}
		}
	}

	r.Logger.Error("Operation failed after all attempts",
		slog.String("operation", opName),
		slog.Int("attempts", r.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("%s failed after %d attempts: %w", opName, r.MaxAttempts, lastErr)
}

// run executes fn, converting a panic into an error.
func (r *Retrier) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation panicked: %v", rec)
		}
	}()
	return fn(ctx)
}
