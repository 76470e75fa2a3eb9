package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/duropiri/novai-sub002/internal/worker/domain"
	"github.com/stretchr/testify/assert"
)

func TestWorker_ShouldRequeueJob(t *testing.T) {
	w := &Worker{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "retryable error is requeued",
			err:  domain.NewRetryableError(errors.New("database unavailable")),
			want: true,
		},
		{
			name: "wrapped retryable error is requeued",
			err:  fmt.Errorf("claim failed: %w", domain.NewRetryableError(errors.New("timeout"))),
			want: true,
		},
		{
			name: "already claimed job is dropped",
			err:  domain.ErrJobAlreadyClaimed,
			want: false,
		},
		{
			name: "cancelled-before-start job is dropped",
			err:  domain.ErrJobCancelledBeforeStart,
			want: false,
		},
		{
			name: "unknown errors are dropped",
			err:  errors.New("malformed payload"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.shouldRequeueJob(tt.err))
		})
	}
}
