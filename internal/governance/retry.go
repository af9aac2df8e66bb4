package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// MaxRetriesExceededError reports how many attempts ran and the last failure.
// It matches both ErrMaxRetriesExceeded and LastErr under errors.Is.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrMaxRetriesExceeded, e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastErr}
}

// RetryConfig defines retry behaviour for one call site.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first (1 = no retries).
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay before jitter is applied.
	MaxDelay time.Duration
	// Jitter is the multiplicative spread in [0,1]; 0.2 yields a factor in [0.8, 1.2].
	Jitter float64
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Validate rejects configurations that cannot produce a sane schedule.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1], got %v", c.Jitter)
	}
	return nil
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryState summarises one Execute call.
type RetryState struct {
	// Attempts is the number of times the operation ran.
	Attempts int
	// TotalDelay is the backoff applied between attempts.
	TotalDelay time.Duration
}

// RetryPolicy runs an operation under a RetryConfig.
type RetryPolicy struct {
	config RetryConfig
	sleep  Sleeper
	random func() float64
}

// RetryOption customises a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) RetryOption {
	return func(rp *RetryPolicy) { rp.sleep = s }
}

// WithRandom replaces the jitter source. f must return values in [0,1).
func WithRandom(f func() float64) RetryOption {
	return func(rp *RetryPolicy) { rp.random = f }
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig, opts ...RetryOption) *RetryPolicy {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	config.Jitter = math.Max(0, math.Min(1, config.Jitter))

	rp := &RetryPolicy{
		config: config,
		sleep:  SleepContext,
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Delay returns the wait before retry number n (1-indexed):
// BaseDelay * 2^(n-1), capped at MaxDelay, then scaled by a jitter factor.
func (rp *RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	backoff := float64(rp.config.BaseDelay) * math.Pow(2, float64(n-1))
	if backoff > float64(rp.config.MaxDelay) {
		backoff = float64(rp.config.MaxDelay)
	}
	if rp.config.Jitter > 0 {
		factor := 1 + rp.config.Jitter*(2*rp.random()-1)
		backoff *= factor
	}
	return time.Duration(backoff)
}

// Operation is one attempt. attempt is 0-indexed.
type Operation func(ctx context.Context, attempt int) error

// RetryNotifier is told about each failed attempt that will be retried,
// together with the delay about to be applied.
type RetryNotifier func(attempt int, err error, delay time.Duration)

// Execute runs op until it succeeds, fails with an error isRetryable
// rejects, or MaxAttempts is reached. Non-retryable errors are returned
// unwrapped after the first occurrence. Exhaustion returns
// *MaxRetriesExceededError.
func (rp *RetryPolicy) Execute(ctx context.Context, op Operation, isRetryable func(error) bool, onRetry RetryNotifier) (RetryState, error) {
	var state RetryState
	if isRetryable == nil {
		isRetryable = func(error) bool { return false }
	}

	for attempt := 0; attempt < rp.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		state.Attempts++
		err := op(ctx, attempt)
		if err == nil {
			return state, nil
		}
		if !isRetryable(err) {
			return state, err
		}
		if attempt+1 >= rp.config.MaxAttempts {
			return state, &MaxRetriesExceededError{Attempts: state.Attempts, LastErr: err}
		}

		delay := rp.Delay(attempt + 1)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := rp.sleep(ctx, delay); err != nil {
			return state, err
		}
		state.TotalDelay += delay
	}

	return state, &MaxRetriesExceededError{Attempts: state.Attempts}
}
