package retry

import (
	"batchclassify/internal/application/common/clock"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  10 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 3.0,
	}
}

func TestRetryExecutor_SuccessOnFirstAttempt(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	executor := NewRetryExecutor(testConfig(3)).WithClock(fake)
	callCount := 0

	err := executor.Execute(context.Background(), func(ctx context.Context) error {
		callCount++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, callCount)
	assert.Empty(t, fake.Sleeps())
}

func TestRetryExecutor_SuccessAfterRetries(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	executor := NewRetryExecutor(testConfig(5)).WithClock(fake)
	callCount := 0

	err := executor.Execute(context.Background(), func(ctx context.Context) error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second}, fake.Sleeps())
}

func TestRetryExecutor_FailureAfterMaxAttempts(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	executor := NewRetryExecutor(testConfig(3)).WithClock(fake)
	callCount := 0

	err := executor.Execute(context.Background(), func(ctx context.Context) error {
		callCount++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, callCount)
	assert.Len(t, fake.Sleeps(), 2)
}

func TestRetryExecutor_NonRetryableError(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	executor := NewRetryExecutor(testConfig(5)).WithClock(fake)
	permanent := errors.New("invalid api key")
	callCount := 0

	err := executor.Execute(context.Background(), func(ctx context.Context) error {
		callCount++
		return permanent
	})

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryExecutor_ContextCancellation(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	fake.OnSleep(func(time.Duration) { cancel() })
	executor := NewRetryExecutor(testConfig(5)).WithClock(fake)
	callCount := 0

	err := executor.Execute(ctx, func(ctx context.Context) error {
		callCount++
		return errors.New("timeout talking to provider")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
}

func TestRetryExecutor_BackoffIsExponentialAndCapped(t *testing.T) {
	executor := NewRetryExecutor(testConfig(10))

	assert.Equal(t, 10*time.Second, executor.Backoff(1))
	assert.Equal(t, 30*time.Second, executor.Backoff(2))
	assert.Equal(t, time.Minute, executor.Backoff(3), "90s must be capped at MaxDelay")
	assert.Equal(t, time.Minute, executor.Backoff(8))
}

func TestRetryExecutor_JitterStaysWithinRange(t *testing.T) {
	cfg := testConfig(3)
	cfg.Jitter = true
	executor := NewRetryExecutor(cfg)

	for range 50 {
		d := executor.Backoff(1)
		assert.GreaterOrEqual(t, d, 7500*time.Millisecond)
		assert.LessOrEqual(t, d, 12500*time.Millisecond)
	}
}

func TestDefaultRetryableChecker(t *testing.T) {
	checker := &DefaultRetryableChecker{}

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset by peer"), true},
		{errors.New("resource temporarily unavailable"), true},
		{errors.New("no route to host"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("invalid request body"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, checker.IsRetryable(tt.err), "error: %v", tt.err)
	}
}

func TestWithRetryAndChecker_CustomChecker(t *testing.T) {
	calls := 0
	checker := CheckerFunc(func(err error) bool { return err.Error() == "custom retryable" })

	cfg := testConfig(3)
	cfg.InitialDelay = time.Millisecond
	err := WithRetryAndChecker(context.Background(), cfg, checker, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("custom retryable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNewRetryExecutor_NilConfigUsesDefault(t *testing.T) {
	executor := NewRetryExecutor(nil)

	assert.Equal(t, *DefaultRetryConfig(), executor.Config())
	assert.Equal(t, 5, executor.Config().MaxAttempts)
}
