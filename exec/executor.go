package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/llm"
)

// Options binds a retry policy and deadline to one step invocation.
type Options struct {
	// Timeout is the per-attempt deadline. A retried attempt gets a fresh
	// full window. Zero means no deadline.
	Timeout time.Duration

	// Policy is the retry policy for the step.
	Policy RetryPolicy

	// StepID and Role tag progress events emitted by the step.
	StepID string
	Role   string
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	Success       bool
	Artifact      *agent.Artifact
	Err           error
	ExecutionTime time.Duration
	Attempts      int
}

// Executor runs pipeline steps with deadlines, retry, and progress relay.
type Executor struct {
	retryer *Retryer
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithRetryer sets the retryer, e.g. one with a fake sleeper in tests.
func WithRetryer(r *Retryer) ExecutorOption {
	return func(e *Executor) {
		e.retryer = r
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retryer == nil {
		e.retryer = NewRetryer(WithRetryerLogger(e.logger))
	}
	return e
}

// stepOutcome carries an agent invocation result across the timeout race.
type stepOutcome struct {
	artifact *agent.Artifact
	err      error
}

// ExecuteStep runs a single step agent under the given options. Each retry
// attempt races the agent against a fresh timeout; progress events are
// decorated with step identity before forwarding. If forwarding fails (the
// downstream consumer is gone), the attempt surfaces the cancellation
// sentinel and the retryer short-circuits.
func (e *Executor) ExecuteStep(ctx context.Context, fn agent.Func, sc agent.StepContext, opts Options, onProgress agent.ProgressFunc) StepResult {
	start := time.Now()

	attempt := func(ctx context.Context) (*agent.Artifact, error) {
		attemptCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		// Forward failures land here so the race aborts promptly even if
		// the agent swallows the error and keeps running.
		forwardErrCh := make(chan error, 1)
		wrapped := func(ev agent.Event) error {
			ev.StepID = opts.StepID
			ev.Role = opts.Role
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			if onProgress == nil {
				return nil
			}
			if err := onProgress(ev); err != nil {
				werr := fmt.Errorf("%w: %v", llm.ErrClientDisconnected, err)
				select {
				case forwardErrCh <- werr:
				default:
				}
				return werr
			}
			return nil
		}

		// Buffered so the agent goroutine never blocks on a lost race.
		done := make(chan stepOutcome, 1)
		go func() {
			artifact, err := fn(attemptCtx, sc, wrapped)
			done <- stepOutcome{artifact: artifact, err: err}
		}()

		select {
		case out := <-done:
			select {
			case werr := <-forwardErrCh:
				return nil, werr
			default:
			}
			if out.err != nil {
				if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					return nil, llm.NewTransientError(fmt.Errorf("step %s timeout after %s: %v", opts.StepID, opts.Timeout, out.err))
				}
				return nil, out.err
			}
			return out.artifact, nil

		case werr := <-forwardErrCh:
			return nil, werr

		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				// Caller cancellation, not a per-attempt deadline.
				return nil, ctx.Err()
			}
			return nil, llm.NewTransientError(fmt.Errorf("step %s timeout after %s", opts.StepID, opts.Timeout))
		}
	}

	result := ExecuteWithRetry(ctx, e.retryer, opts.Policy, attempt)

	if !result.Success {
		e.logger.Warn("Step failed",
			"step_id", opts.StepID,
			"attempts", result.Attempts,
			"error", result.Err)
	}

	return StepResult{
		Success:       result.Success,
		Artifact:      result.Value,
		Err:           result.Err,
		ExecutionTime: time.Since(start),
		Attempts:      result.Attempts,
	}
}

// ParallelStep pairs a step agent with its context and options for
// ExecuteParallel.
type ParallelStep struct {
	Fn      agent.Func
	Context agent.StepContext
	Options Options
}

// ExecuteParallel runs steps concurrently and returns every outcome in input
// order. One failure never short-circuits the batch; each result carries its
// own error.
func (e *Executor) ExecuteParallel(ctx context.Context, steps []ParallelStep, onProgress agent.ProgressFunc) []StepResult {
	results := make([]StepResult, len(steps))

	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step ParallelStep) {
			defer wg.Done()
			results[i] = e.ExecuteStep(ctx, step.Fn, step.Context, step.Options, onProgress)
		}(i, step)
	}
	wg.Wait()

	return results
}
