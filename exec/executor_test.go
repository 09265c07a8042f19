package exec_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/exec"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func successAgent(stepID string) agent.Func {
	return func(_ context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
		return &agent.Artifact{
			StepID:    stepID,
			Content:   map[string]any{"summary": "done"},
			Timestamp: time.Now(),
		}, nil
	}
}

func TestExecuteStep_Success(t *testing.T) {
	executor := exec.NewExecutor()

	result := executor.ExecuteStep(context.Background(), successAgent("pm_spec"), agent.StepContext{}, exec.Options{
		StepID: "pm_spec",
		Role:   "product_manager",
		Policy: exec.NoRetry,
	}, nil)

	assert.True(t, result.Success)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, "pm_spec", result.Artifact.StepID)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteStep_TimeoutAgainstStuckAgent(t *testing.T) {
	executor := exec.NewExecutor()

	stuck := func(ctx context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
		<-make(chan struct{}) // never resolves, ignores ctx
		return nil, nil
	}

	start := time.Now()
	result := executor.ExecuteStep(context.Background(), stuck, agent.StepContext{}, exec.Options{
		StepID:  "arch_design",
		Timeout: time.Second,
		Policy:  exec.NoRetry,
	}, nil)
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "timeout")
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1200*time.Millisecond)
}

func TestExecuteStep_FreshTimeoutPerAttempt(t *testing.T) {
	executor := exec.NewExecutor(exec.WithRetryer(noSleep(nil)))

	var calls atomic.Int32
	slowThenFast := func(ctx context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &agent.Artifact{StepID: "s", Content: map[string]any{}}, nil
	}

	result := executor.ExecuteStep(context.Background(), slowThenFast, agent.StepContext{}, exec.Options{
		StepID:  "s",
		Timeout: 50 * time.Millisecond,
		Policy:  exec.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 2.0},
	}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
}

func TestExecuteStep_DecoratesProgressEvents(t *testing.T) {
	executor := exec.NewExecutor()

	emitting := func(_ context.Context, _ agent.StepContext, onProgress agent.ProgressFunc) (*agent.Artifact, error) {
		if err := onProgress(agent.NewEvent(agent.EventStepThought, map[string]any{"message": "thinking"})); err != nil {
			return nil, err
		}
		return &agent.Artifact{StepID: "ui_design", Content: map[string]any{}}, nil
	}

	var events []agent.Event
	result := executor.ExecuteStep(context.Background(), emitting, agent.StepContext{}, exec.Options{
		StepID: "ui_design",
		Role:   "ui_designer",
		Policy: exec.NoRetry,
	}, func(ev agent.Event) error {
		events = append(events, ev)
		return nil
	})

	assert.True(t, result.Success)
	require.Len(t, events, 1)
	assert.Equal(t, "ui_design", events[0].StepID)
	assert.Equal(t, "ui_designer", events[0].Role)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestExecuteStep_DeadConsumerShortCircuitsRetries(t *testing.T) {
	executor := exec.NewExecutor(exec.WithRetryer(noSleep(nil)))

	var calls atomic.Int32
	emitting := func(_ context.Context, _ agent.StepContext, onProgress agent.ProgressFunc) (*agent.Artifact, error) {
		calls.Add(1)
		if err := onProgress(agent.NewEvent(agent.EventStepThought, nil)); err != nil {
			return nil, err
		}
		return &agent.Artifact{}, nil
	}

	result := executor.ExecuteStep(context.Background(), emitting, agent.StepContext{}, exec.Options{
		StepID: "qa_verification",
		Policy: exec.RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, BackoffMultiplier: 2.0},
	}, func(agent.Event) error {
		return errors.New("write on closed stream")
	})

	assert.False(t, result.Success)
	assert.EqualValues(t, 1, calls.Load(), "cancellation must not be retried")
	assert.True(t, llm.IsCanceled(result.Err))
}

func TestExecuteStep_DeadConsumerWinsEvenIfAgentSwallowsError(t *testing.T) {
	executor := exec.NewExecutor(exec.WithRetryer(noSleep(nil)))

	swallowing := func(_ context.Context, _ agent.StepContext, onProgress agent.ProgressFunc) (*agent.Artifact, error) {
		_ = onProgress(agent.NewEvent(agent.EventStepThought, nil)) // ignores the error
		return &agent.Artifact{StepID: "s", Content: map[string]any{}}, nil
	}

	result := executor.ExecuteStep(context.Background(), swallowing, agent.StepContext{}, exec.Options{
		StepID: "s",
		Policy: exec.AggressiveRetry,
	}, func(agent.Event) error {
		return errors.New("broken pipe")
	})

	assert.False(t, result.Success)
	assert.True(t, llm.IsCanceled(result.Err))
}

func TestExecuteStep_RetriesGenericFailure(t *testing.T) {
	executor := exec.NewExecutor(exec.WithRetryer(noSleep(nil)))

	var calls atomic.Int32
	flaky := func(_ context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("transient glitch")
		}
		return &agent.Artifact{StepID: "s", Content: map[string]any{}}, nil
	}

	result := executor.ExecuteStep(context.Background(), flaky, agent.StepContext{}, exec.Options{
		StepID: "s",
		Policy: exec.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 2.0},
	}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
}

func TestExecuteParallel_CollectsAllOutcomes(t *testing.T) {
	executor := exec.NewExecutor()

	failing := func(_ context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
		return nil, errors.New("devops step broke")
	}

	results := executor.ExecuteParallel(context.Background(), []exec.ParallelStep{
		{Fn: successAgent("devops_infrastructure"), Options: exec.Options{StepID: "devops_infrastructure", Policy: exec.NoRetry}},
		{Fn: failing, Options: exec.Options{StepID: "security_architecture", Policy: exec.NoRetry}},
	}, nil)

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, strings.Contains(results[1].Err.Error(), "devops step broke"))
}
