package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithExponentialBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds first attempt", func(t *testing.T) {
		calls := 0
		result := WithExponentialBackoff(ctx, fastConfig(3), func(ctx context.Context, attempt int) error {
			calls++
			return nil
		})

		assert.True(t, result.Success)
		assert.Equal(t, 1, result.Attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		result := WithExponentialBackoff(ctx, fastConfig(3), func(ctx context.Context, attempt int) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.True(t, result.Success)
		assert.Equal(t, 3, result.Attempts)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		wantErr := errors.New("persistent")
		result := WithExponentialBackoff(ctx, fastConfig(3), func(ctx context.Context, attempt int) error {
			return wantErr
		})

		assert.False(t, result.Success)
		assert.Equal(t, 3, result.Attempts)
		assert.ErrorIs(t, result.LastError, wantErr)
	})

	t.Run("RetryIf stops early", func(t *testing.T) {
		fatal := errors.New("fatal")
		cfg := fastConfig(5)
		cfg.RetryIf = func(err error) bool { return !errors.Is(err, fatal) }

		calls := 0
		result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
			calls++
			return fatal
		})

		assert.False(t, result.Success)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, result.LastError, fatal)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		cfg := &Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2.0}
		result := WithExponentialBackoff(cancelCtx, cfg, func(ctx context.Context, attempt int) error {
			return errors.New("transient")
		})

		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Attempts)
	})
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("wraps exhaustion error", func(t *testing.T) {
		wantErr := errors.New("boom")
		err := WithRetry(ctx, fastConfig(2), func(ctx context.Context, attempt int) error {
			return wantErr
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		err := WithRetry(ctx, nil, func(ctx context.Context, attempt int) error {
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestBackoffDelay(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, BackoffDelay(initial, max, 2.0, 1))
	assert.Equal(t, 2*time.Second, BackoffDelay(initial, max, 2.0, 2))
	assert.Equal(t, 4*time.Second, BackoffDelay(initial, max, 2.0, 3))
	assert.Equal(t, max, BackoffDelay(initial, max, 2.0, 10))

	// Attempts below 1 behave like the first attempt.
	assert.Equal(t, time.Second, BackoffDelay(initial, max, 2.0, 0))
}
