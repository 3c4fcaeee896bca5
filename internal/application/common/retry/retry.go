package retry

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/slogger"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// RetryConfig defines retry behavior. MaxAttempts counts the first call.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultRetryConfig returns the submission retry policy: five attempts,
// starting at 7s and tripling up to five minutes.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  7 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 3.0,
		Jitter:        false,
	}
}

// RetryableOperation represents an operation that can be retried.
type RetryableOperation func(ctx context.Context) error

// RetryableChecker is an interface for custom retry logic.
// Implement this to provide custom error classification.
type RetryableChecker interface {
	IsRetryable(err error) bool
}

// CheckerFunc adapts a plain function to RetryableChecker.
type CheckerFunc func(err error) bool

// IsRetryable calls f(err).
func (f CheckerFunc) IsRetryable(err error) bool { return f(err) }

// ErrAttemptsExhausted is wrapped into the error returned when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// RetryExecutor handles retry logic with exponential backoff.
type RetryExecutor struct {
	config           *RetryConfig
	retryableChecker RetryableChecker
	clock            clock.Clock
}

// NewRetryExecutor creates a new retry executor with default retry behavior.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	return NewRetryExecutorWithChecker(config, nil)
}

// NewRetryExecutorWithChecker creates a new retry executor with custom retry behavior.
func NewRetryExecutorWithChecker(config *RetryConfig, checker RetryableChecker) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	if checker == nil {
		checker = &DefaultRetryableChecker{}
	}
	return &RetryExecutor{
		config:           config,
		retryableChecker: checker,
		clock:            clock.Real{},
	}
}

// WithClock replaces the clock used for sleeping between attempts.
func (r *RetryExecutor) WithClock(c clock.Clock) *RetryExecutor {
	if c != nil {
		r.clock = c
	}
	return r
}

// Config returns the executor's policy.
func (r *RetryExecutor) Config() RetryConfig {
	return *r.config
}

// Execute executes an operation with retry logic.
func (r *RetryExecutor) Execute(ctx context.Context, operation RetryableOperation) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Backoff(attempt - 1)
			slogger.Debug(ctx, "Retrying operation after delay", slogger.Fields3(
				"attempt", attempt,
				"max_attempts", r.config.MaxAttempts,
				"delay_ms", delay.Milliseconds(),
			))

			if err := r.clock.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry interrupted: %w", errors.Join(err, lastErr))
			}
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				slogger.Info(ctx, "Operation succeeded after retries", slogger.Fields{
					"attempt": attempt,
				})
			}
			return nil
		}

		lastErr = err

		if !r.retryableChecker.IsRetryable(err) {
			slogger.Debug(ctx, "Error is not retryable", slogger.Fields{
				"error":   err.Error(),
				"attempt": attempt,
			})
			return err
		}

		slogger.Warn(ctx, "Operation failed, will retry", slogger.Fields3(
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
		))
	}

	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, errors.Join(ErrAttemptsExhausted, lastErr))
}

// Backoff returns the delay before retry number n (n >= 1).
func (r *RetryExecutor) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(n-1))

	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// +/-25% jitter
	if r.config.Jitter {
		jitterRange := delay * 0.25
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}

	return time.Duration(delay)
}

// DefaultRetryableChecker implements basic retry logic for common transient errors.
type DefaultRetryableChecker struct{}

// IsRetryable checks if an error should be retried based on common patterns.
func (d *DefaultRetryableChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())

	return containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadlock",
		"connection lost",
		"too many connections",
		"database is locked",
		"temporary",
		"try again",
		"resource temporarily unavailable",
		"network is unreachable",
		"no route to host",
		"connection timed out",
		"eof",
	})
}

// containsAny checks if the string contains any of the substrings.
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// WithRetryAndChecker executes a function with custom retry configuration and checker.
func WithRetryAndChecker(
	ctx context.Context,
	config *RetryConfig,
	checker RetryableChecker,
	operation RetryableOperation,
) error {
	return NewRetryExecutorWithChecker(config, checker).Execute(ctx, operation)
}
