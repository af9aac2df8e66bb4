package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func alwaysRetryable(error) bool { return true }

func TestRetryPolicy_SucceedsOnThirdAttempt(t *testing.T) {
	sleeper := &recordingSleeper{}
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		WithSleeper(sleeper.sleep))

	var attempts []int
	var retried []int
	state, err := rp.Execute(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errTransient
		}
		return nil
	}, alwaysRetryable, func(attempt int, err error, _ time.Duration) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, errTransient)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Equal(t, []int{0, 1}, retried)
	assert.Equal(t, 3, state.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.delays)
	assert.Equal(t, 30*time.Millisecond, state.TotalDelay)
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	sleeper := &recordingSleeper{}
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, WithSleeper(sleeper.sleep))

	calls := 0
	state, err := rp.Execute(context.Background(), func(context.Context, int) error {
		calls++
		return errTransient
	}, alwaysRetryable, nil)

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, state.Attempts)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errTransient)

	var exceeded *MaxRetriesExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 2, exceeded.Attempts)
	assert.Len(t, sleeper.delays, 1)
}

func TestRetryPolicy_NonRetryablePropagatesImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, WithSleeper(sleeper.sleep))
	logicErr := errors.New("nil pointer in mapping")

	calls := 0
	state, err := rp.Execute(context.Background(), func(context.Context, int) error {
		calls++
		return logicErr
	}, func(err error) bool { return errors.Is(err, errTransient) }, nil)

	assert.Same(t, logicErr, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, state.Attempts)
	assert.Empty(t, sleeper.delays)
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond},
		WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))

	calls := 0
	_, err := rp.Execute(ctx, func(context.Context, int) error {
		calls++
		return errTransient
	}, alwaysRetryable, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Delay(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: 0},
		{retry: 1, want: 100 * time.Millisecond},
		{retry: 2, want: 200 * time.Millisecond},
		{retry: 3, want: 400 * time.Millisecond},
		{retry: 4, want: 800 * time.Millisecond},
		{retry: 5, want: time.Second},
		{retry: 9, want: time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rp.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	low := NewRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.25},
		WithRandom(func() float64 { return 0 }))
	high := NewRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.25},
		WithRandom(func() float64 { return 0.999999 }))

	assert.Equal(t, 750*time.Millisecond, low.Delay(1))
	assert.InDelta(t, float64(1250*time.Millisecond), float64(high.Delay(1)), float64(time.Millisecond))

	capped := NewRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 2 * time.Second, Jitter: 0.5},
		WithRandom(func() float64 { return 0 }))
	assert.Equal(t, time.Second, capped.Delay(5), "jitter applies after the cap")
}

func TestRetryConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryConfig().Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, Jitter: 2}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, BaseDelay: -1}.Validate())
}
