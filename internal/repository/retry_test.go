package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryOnDeadlock(t *testing.T) {
	retryBackoff = func(int) time.Duration { return time.Millisecond }
	otherErr := errors.New("boom")

	tests := []struct {
		name      string
		attempts  int
		failures  []error
		wantErr   error
		wantCalls int
	}{
		{
			name:      "success first try",
			attempts:  3,
			wantCalls: 1,
		},
		{
			name:      "deadlock then success",
			attempts:  3,
			failures:  []error{fmt.Errorf("insert: %w", ErrDeadlock)},
			wantCalls: 2,
		},
		{
			name:      "lock wait timeouts exhaust attempts",
			attempts:  2,
			failures:  []error{ErrLockWaitTimeout, ErrLockWaitTimeout, ErrLockWaitTimeout},
			wantErr:   ErrLockWaitTimeout,
			wantCalls: 2,
		},
		{
			name:      "non retryable error returned immediately",
			attempts:  3,
			failures:  []error{otherErr},
			wantErr:   otherErr,
			wantCalls: 1,
		},
		{
			name:      "zero attempts uses default",
			attempts:  0,
			failures:  []error{ErrDeadlock, ErrDeadlock, ErrDeadlock, ErrDeadlock},
			wantErr:   ErrDeadlock,
			wantCalls: DefaultRetryAttempts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := RetryOnDeadlock(context.Background(), tt.attempts, func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestRetryOnDeadlock_ContextCancelled(t *testing.T) {
	retryBackoff = func(int) time.Duration { return time.Hour }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryOnDeadlock(ctx, 3, func(ctx context.Context) error {
		return ErrDeadlock
	})
	require.ErrorIs(t, err, context.Canceled)
}
