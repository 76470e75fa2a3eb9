package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_Wait(t *testing.T) {
	t.Run("returns result once the external job completes", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 10, testLogger())

		statusCalls := 0
		resultCalls := 0
		out, err := p.Wait(context.Background(), "req-1",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				if statusCalls < 3 {
					return StatusSnapshot{Status: StatusInProgress}, nil
				}
				return StatusSnapshot{Status: StatusCompleted}, nil
			},
			func(ctx context.Context) (map[string]any, error) {
				resultCalls++
				return map[string]any{"video_url": "https://cdn.example.com/out.mp4"}, nil
			},
		)

		require.NoError(t, err)
		assert.Equal(t, 3, statusCalls)
		assert.Equal(t, 1, resultCalls)
		assert.Equal(t, "https://cdn.example.com/out.mp4", out["video_url"])
	})

	t.Run("exhausting the attempt budget yields a poll timeout", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 5, testLogger())

		statusCalls := 0
		out, err := p.Wait(context.Background(), "req-2",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				return StatusSnapshot{Status: StatusInProgress}, nil
			},
			func(ctx context.Context) (map[string]any, error) {
				t.Fatal("result must not be fetched on timeout")
				return nil, nil
			},
		)

		require.Error(t, err)
		assert.Nil(t, out)
		assert.Equal(t, 5, statusCalls)
		assert.True(t, IsPollTimeout(err))

		var timeout *PollTimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, "req-2", timeout.ExternalID)
		assert.Equal(t, 5, timeout.Attempts)
	})

	t.Run("transient status errors consume attempts and polling continues", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 10, testLogger())

		statusCalls := 0
		out, err := p.Wait(context.Background(), "req-3",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				if statusCalls <= 2 {
					return StatusSnapshot{}, NewNetworkError("status", errors.New("connection reset"))
				}
				return StatusSnapshot{Status: StatusCompleted}, nil
			},
			func(ctx context.Context) (map[string]any, error) {
				return map[string]any{"ok": true}, nil
			},
		)

		require.NoError(t, err)
		assert.Equal(t, 3, statusCalls)
		assert.Equal(t, true, out["ok"])
	})

	t.Run("transient errors alone never complete the job", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 4, testLogger())

		statusCalls := 0
		_, err := p.Wait(context.Background(), "req-4",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				return StatusSnapshot{}, NewNetworkError("status", errors.New("timeout"))
			},
			func(ctx context.Context) (map[string]any, error) { return nil, nil },
		)

		require.Error(t, err)
		assert.Equal(t, 4, statusCalls)
		assert.True(t, IsPollTimeout(err))
	})

	t.Run("non-retryable status error ends polling", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 10, testLogger())
		rejected := &ProviderRejectedError{Provider: "fal", StatusCode: 401, Reason: "bad key"}

		statusCalls := 0
		_, err := p.Wait(context.Background(), "req-5",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				return StatusSnapshot{}, rejected
			},
			func(ctx context.Context) (map[string]any, error) { return nil, nil },
		)

		require.Error(t, err)
		assert.Equal(t, 1, statusCalls)
		var gotRejected *ProviderRejectedError
		assert.True(t, errors.As(err, &gotRejected))
	})

	t.Run("provider failure surfaces as a job failed error", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 10, testLogger())

		_, err := p.Wait(context.Background(), "req-6",
			func(ctx context.Context) (StatusSnapshot, error) {
				return StatusSnapshot{
					Status:        StatusFailed,
					Detail:        "nsfw content detected",
					SafetyBlocked: true,
				}, nil
			},
			func(ctx context.Context) (map[string]any, error) { return nil, nil },
		)

		require.Error(t, err)
		assert.True(t, IsProviderJobFailed(err))
		assert.True(t, IsSafetyBlocked(err))

		var jobFailed *ProviderJobFailedError
		require.True(t, errors.As(err, &jobFailed))
		assert.Equal(t, "req-6", jobFailed.ExternalID)
	})

	t.Run("cancelled context aborts polling", func(t *testing.T) {
		p := NewPoller(50*time.Millisecond, 10, testLogger())
		ctx, cancel := context.WithCancel(context.Background())

		statusCalls := 0
		_, err := p.Wait(ctx, "req-7",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				cancel()
				return StatusSnapshot{Status: StatusInProgress}, nil
			},
			func(ctx context.Context) (map[string]any, error) { return nil, nil },
		)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, statusCalls)
	})

	t.Run("progress callbacks fire on non-terminal snapshots", func(t *testing.T) {
		p := NewPoller(time.Millisecond, 10, testLogger())

		var externals []ExternalStatus
		var percents []int
		p.OnProgress = func(snapshot StatusSnapshot) {
			externals = append(externals, snapshot.Status)
		}
		p.ExtractProgress = StepProgress
		p.OnProgressPercent = func(percent int) {
			percents = append(percents, percent)
		}

		statusCalls := 0
		_, err := p.Wait(context.Background(), "req-8",
			func(ctx context.Context) (StatusSnapshot, error) {
				statusCalls++
				switch statusCalls {
				case 1:
					return StatusSnapshot{Status: StatusInQueue}, nil
				case 2:
					return StatusSnapshot{
						Status: StatusInProgress,
						Logs:   []string{"training started", "step 250/1000"},
					}, nil
				default:
					return StatusSnapshot{Status: StatusCompleted}, nil
				}
			},
			func(ctx context.Context) (map[string]any, error) {
				return map[string]any{}, nil
			},
		)

		require.NoError(t, err)
		assert.Equal(t, []ExternalStatus{StatusInQueue, StatusInProgress}, externals)
		assert.Equal(t, []int{25}, percents)
	})
}

func TestStepProgress(t *testing.T) {
	tests := []struct {
		name        string
		logs        []string
		wantPercent int
		wantOK      bool
	}{
		{
			name:        "single step line",
			logs:        []string{"step 500/1000"},
			wantPercent: 50,
			wantOK:      true,
		},
		{
			name:        "last matching line wins",
			logs:        []string{"step 100/1000", "checkpoint saved", "step 900/1000"},
			wantPercent: 90,
			wantOK:      true,
		},
		{
			name:        "whitespace around the slash",
			logs:        []string{"step 3 / 4"},
			wantPercent: 75,
			wantOK:      true,
		},
		{
			name:        "embedded in a longer line",
			logs:        []string{"[trainer] epoch 2 step 250/500 loss=0.03"},
			wantPercent: 50,
			wantOK:      true,
		},
		{
			name:        "clamped above 100",
			logs:        []string{"step 1200/1000"},
			wantPercent: 100,
			wantOK:      true,
		},
		{
			name:   "no progress text",
			logs:   []string{"loading model", "allocating buffers"},
			wantOK: false,
		},
		{
			name:   "zero total is malformed",
			logs:   []string{"step 5/0"},
			wantOK: false,
		},
		{
			name:   "empty logs",
			logs:   nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			percent, ok := StepProgress(tt.logs)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantPercent, percent)
			}
		})
	}
}
