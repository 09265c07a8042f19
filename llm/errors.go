package llm

import (
	"context"
	"errors"
	"strings"
)

// Error types for classifying text-generation failures. Classification is
// decided here, at the boundary where the raw backend error is first
// observed, so retry logic dispatches on types rather than message text.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// RateLimitedError represents backend throttling. Retryable, but with an
// extended backoff floor so retries do not amplify provider throttling.
type RateLimitedError struct {
	err error
}

func (e *RateLimitedError) Error() string {
	return e.err.Error()
}

func (e *RateLimitedError) Unwrap() error {
	return e.err
}

// NewRateLimitedError wraps an error as a rate-limit signal.
func NewRateLimitedError(err error) error {
	return &RateLimitedError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// ErrClientDisconnected is the cancellation sentinel. It marks a downstream
// consumer disconnect surfaced through the progress-forwarding path. It must
// never be retried: the retryer short-circuits on it regardless of policy.
var ErrClientDisconnected = errors.New("client disconnected")

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsRateLimited returns true if the error signals backend throttling.
// Falls back to message heuristics for errors raised outside this package,
// since some agent implementations surface raw provider messages.
func IsRateLimited(err error) bool {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{"rate limit", "too many requests", "quota", "rpm"} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsCanceled returns true if the error is the cancellation sentinel or a
// context cancellation. Canceled work is terminal, never retried.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClientDisconnected) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(err.Error(), "client disconnected")
}
