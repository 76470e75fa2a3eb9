package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRetrier_Do(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		r := NewRetrier(3, time.Millisecond, testLogger())

		calls := 0
		err := r.Do(context.Background(), "submit", func(ctx context.Context) error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient failures up to the attempt budget", func(t *testing.T) {
		r := NewRetrier(3, time.Millisecond, testLogger())

		calls := 0
		err := r.Do(context.Background(), "submit", func(ctx context.Context) error {
			calls++
			return NewNetworkError("submit", errors.New("connection refused"))
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
		assert.True(t, Retryable(err))
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		r := NewRetrier(3, time.Millisecond, testLogger())

		calls := 0
		err := r.Do(context.Background(), "submit", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return NewNetworkError("submit", errors.New("timeout"))
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-retryable error propagates immediately", func(t *testing.T) {
		r := NewRetrier(3, time.Millisecond, testLogger())
		rejected := &ProviderRejectedError{Provider: "fal", StatusCode: 422, Reason: "bad payload"}

		calls := 0
		err := r.Do(context.Background(), "submit", func(ctx context.Context) error {
			calls++
			return rejected
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Contains(t, err.Error(), "failed on attempt 1")

		var gotRejected *ProviderRejectedError
		require.True(t, errors.As(err, &gotRejected))
		assert.Equal(t, 422, gotRejected.StatusCode)
	})

	t.Run("backoff delays are non-decreasing", func(t *testing.T) {
		base := 10 * time.Millisecond
		r := NewRetrier(3, base, testLogger())

		var stamps []time.Time
		_ = r.Do(context.Background(), "submit", func(ctx context.Context) error {
			stamps = append(stamps, time.Now())
			return NewNetworkError("submit", errors.New("timeout"))
		})

		require.Len(t, stamps, 3)
		gap1 := stamps[1].Sub(stamps[0])
		gap2 := stamps[2].Sub(stamps[1])
		assert.GreaterOrEqual(t, gap1, base)
		assert.GreaterOrEqual(t, gap2, 2*base)
		assert.GreaterOrEqual(t, gap2, gap1)
	})

	t.Run("panic is coerced into an error", func(t *testing.T) {
		r := NewRetrier(2, time.Millisecond, testLogger())

		calls := 0
		err := r.Do(context.Background(), "submit", func(ctx context.Context) error {
			calls++
			panic("boom")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "operation panicked: boom")
		// A panic is not a typed transient error, so no retries happen
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context aborts before the next attempt", func(t *testing.T) {
		r := NewRetrier(5, 50*time.Millisecond, testLogger())
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		err := r.Do(ctx, "submit", func(ctx context.Context) error {
			calls++
			cancel()
			return NewNetworkError("submit", errors.New("timeout"))
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestNewRetrier_Defaults(t *testing.T) {
	r := NewRetrier(0, 0, testLogger())
	assert.Equal(t, DefaultMaxAttempts, r.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, r.BaseDelay)
}
