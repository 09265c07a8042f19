package exec_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/josephsenior/Metasop-sub003/exec"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noSleep returns a retryer that records requested delays instead of waiting.
func noSleep(delays *[]time.Duration) *exec.Retryer {
	return exec.NewRetryer(exec.WithSleeper(func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}))
}

func TestExecuteWithRetry_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	policy := exec.RetryPolicy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0}

	result := exec.ExecuteWithRetry(context.Background(), noSleep(nil), policy, func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	})

	assert.False(t, result.Success)
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, 4, result.Attempts)
	assert.EqualError(t, result.Err, "boom")
}

func TestExecuteWithRetry_SuccessFirstTry(t *testing.T) {
	var calls atomic.Int32

	result := exec.ExecuteWithRetry(context.Background(), noSleep(nil), exec.AggressiveRetry, func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 1, result.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteWithRetry_SuccessAfterFailures(t *testing.T) {
	var calls atomic.Int32
	policy := exec.RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0}

	result := exec.ExecuteWithRetry(context.Background(), noSleep(nil), policy, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", llm.NewTransientError(errors.New("flaky"))
		}
		return "ok", nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecuteWithRetry_CancellationNeverRetried(t *testing.T) {
	var calls atomic.Int32
	policy := exec.RetryPolicy{MaxRetries: 10, InitialDelay: time.Millisecond, BackoffMultiplier: 2.0}

	result := exec.ExecuteWithRetry(context.Background(), noSleep(nil), policy, func(context.Context) (string, error) {
		calls.Add(1)
		return "", llm.ErrClientDisconnected
	})

	assert.False(t, result.Success)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, llm.IsCanceled(result.Err))
}

func TestExecuteWithRetry_FatalNeverRetried(t *testing.T) {
	var calls atomic.Int32

	result := exec.ExecuteWithRetry(context.Background(), noSleep(nil), exec.AggressiveRetry, func(context.Context) (string, error) {
		calls.Add(1)
		return "", llm.NewFatalError(errors.New("bad request"))
	})

	assert.False(t, result.Success)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteWithRetry_NoRetryPreset(t *testing.T) {
	var calls atomic.Int32

	result := exec.ExecuteWithRetry(context.Background(), noSleep(nil), exec.NoRetry, func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	})

	assert.False(t, result.Success)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteWithRetry_RateLimitUsesExtendedDelay(t *testing.T) {
	var delays []time.Duration
	policy := exec.RetryPolicy{MaxRetries: 1, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0}

	result := exec.ExecuteWithRetry(context.Background(), noSleep(&delays), policy, func(context.Context) (string, error) {
		return "", llm.NewRateLimitedError(errors.New("429 too many requests"))
	})

	assert.False(t, result.Success)
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 20*time.Second)
}

func TestExecuteWithRetry_SleepAbortsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	retryer := exec.NewRetryer() // real sleeper; canceled context returns immediately
	policy := exec.RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour, BackoffMultiplier: 2.0}

	var calls atomic.Int32
	result := exec.ExecuteWithRetry(ctx, retryer, policy, func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	})

	assert.False(t, result.Success)
	assert.EqualValues(t, 1, calls.Load())
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestBackoff_GenericGrowth(t *testing.T) {
	policy := exec.RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, exec.Backoff(policy, 0, false))
	assert.Equal(t, 200*time.Millisecond, exec.Backoff(policy, 1, false))
	assert.Equal(t, 400*time.Millisecond, exec.Backoff(policy, 2, false))
	// Capped at MaxDelay
	assert.Equal(t, time.Second, exec.Backoff(policy, 10, false))
}

func TestBackoff_GenericJitterBand(t *testing.T) {
	policy := exec.RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0, Jitter: true}

	for i := 0; i < 100; i++ {
		d := exec.Backoff(policy, 0, false)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestBackoff_RateLimitFloorAndCap(t *testing.T) {
	policy := exec.RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0}

	// First retry starts from the 20s floor, not InitialDelay.
	assert.Equal(t, 20*time.Second, exec.Backoff(policy, 0, true))
	// Growth is capped at two minutes, not the policy's one-second max.
	assert.Equal(t, 2*time.Minute, exec.Backoff(policy, 5, true))
}

func TestBackoff_RateLimitJitterBand(t *testing.T) {
	policy := exec.RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2.0, Jitter: true}

	for i := 0; i < 100; i++ {
		d := exec.Backoff(policy, 0, true)
		assert.GreaterOrEqual(t, d, 18*time.Second)
		assert.LessOrEqual(t, d, 22*time.Second)
	}
}
