// Package exec provides the execution machinery for pipeline steps:
// policy-driven retry with rate-limit-aware backoff, per-attempt deadlines,
// progress decoration, and parallel fan-out.
package exec

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/josephsenior/Metasop-sub003/llm"
)

// RetryPolicy is an immutable retry configuration.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// BackoffMultiplier is applied to the delay on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// Jitter randomizes the delay to avoid synchronized retries.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// Retry policy presets.
var (
	// NoRetry fails fast. This is the documented default for steps without
	// an explicit policy.
	NoRetry = RetryPolicy{MaxRetries: 0}

	// FastRetry is for latency-sensitive paths and tests.
	FastRetry = RetryPolicy{
		MaxRetries:        1,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}

	// AggressiveRetry is for critical operations.
	AggressiveRetry = RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
)

// Rate-limit backoff constants. Throttled backends need much longer pauses
// than generic faults, and narrower jitter so retries do not amplify the
// throttling window.
const (
	rateLimitFloor    = 20 * time.Second
	rateLimitMaxDelay = 2 * time.Minute
)

// RetryResult is the outcome of ExecuteWithRetry.
type RetryResult[T any] struct {
	Success       bool
	Value         T
	Err           error
	Attempts      int
	TotalDuration time.Duration
}

// Retryer executes units of work under a retry policy.
type Retryer struct {
	logger *slog.Logger

	// sleep is swappable so tests do not wait out real backoff windows.
	sleep func(ctx context.Context, d time.Duration) error
}

// RetryerOption configures a Retryer.
type RetryerOption func(*Retryer)

// WithRetryerLogger sets the logger.
func WithRetryerLogger(logger *slog.Logger) RetryerOption {
	return func(r *Retryer) {
		r.logger = logger
	}
}

// WithSleeper replaces the delay function, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RetryerOption {
	return func(r *Retryer) {
		r.sleep = sleep
	}
}

// NewRetryer creates a Retryer.
func NewRetryer(opts ...RetryerOption) *Retryer {
	r := &Retryer{
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExecuteWithRetry runs fn under the given policy. Cancellation errors stop
// retrying immediately; rate-limit errors use the extended backoff schedule;
// every other error retries up to policy.MaxRetries additional attempts.
func ExecuteWithRetry[T any](ctx context.Context, r *Retryer, policy RetryPolicy, fn func(ctx context.Context) (T, error)) RetryResult[T] {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Success:       true,
				Value:         value,
				Attempts:      attempt + 1,
				TotalDuration: time.Since(start),
			}
		}
		lastErr = err

		// A disconnected consumer or canceled context is terminal. Burning
		// retries against a dead consumer helps nobody.
		if llm.IsCanceled(err) {
			return RetryResult[T]{
				Err:           err,
				Attempts:      attempt + 1,
				TotalDuration: time.Since(start),
			}
		}

		if llm.IsFatal(err) {
			return RetryResult[T]{
				Err:           err,
				Attempts:      attempt + 1,
				TotalDuration: time.Since(start),
			}
		}

		if attempt < policy.MaxRetries {
			delay := Backoff(policy, attempt, llm.IsRateLimited(err))
			r.logger.Debug("Attempt failed, retrying",
				"attempt", attempt+1,
				"max_attempts", policy.MaxRetries+1,
				"delay", delay,
				"rate_limited", llm.IsRateLimited(err),
				"error", err)

			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				return RetryResult[T]{
					Err:           sleepErr,
					Attempts:      attempt + 1,
					TotalDuration: time.Since(start),
				}
			}
		}
	}

	return RetryResult[T]{
		Err:           lastErr,
		Attempts:      policy.MaxRetries + 1,
		TotalDuration: time.Since(start),
	}
}

// Backoff computes the delay before retrying after the given zero-based
// attempt. Rate-limited errors start from a fixed floor instead of the
// policy's initial delay, grow with the same multiplier, cap at no less
// than two minutes, and jitter within a narrower band.
func Backoff(policy RetryPolicy, attempt int, rateLimited bool) time.Duration {
	base := policy.InitialDelay
	maxDelay := policy.MaxDelay
	jitterLow, jitterHigh := 0.8, 1.2

	if rateLimited {
		base = rateLimitFloor
		if maxDelay < rateLimitMaxDelay {
			maxDelay = rateLimitMaxDelay
		}
		jitterLow, jitterHigh = 0.9, 1.1
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= policy.BackoffMultiplier
	}

	delay := time.Duration(float64(base) * multiplier)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if policy.Jitter {
		factor := jitterLow + rand.Float64()*(jitterHigh-jitterLow)
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
