package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/exec"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/josephsenior/Metasop-sub003/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAgents returns a lookup where every step succeeds except those in
// failing, which always return the given error.
func stubAgents(failing map[string]error) func(string) agent.Func {
	return func(stepID string) agent.Func {
		return func(_ context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
			if err, ok := failing[stepID]; ok {
				return nil, err
			}
			return &agent.Artifact{
				StepID:    stepID,
				Role:      agent.StepRole(stepID),
				Content:   map[string]any{"summary": "generated " + stepID},
				Timestamp: time.Now(),
			}, nil
		}
	}
}

func TestRun_AllStepsSucceed(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithAgents(stubAgents(nil)))

	report, err := o.Run(context.Background(), "build a todo app", nil)

	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Len(t, report.Artifacts, 7)
	for _, step := range report.Steps {
		assert.Equal(t, agent.StatusSuccess, step.Status, step.ID)
	}
}

func TestRun_OneFailingStepProducesBestEffortReport(t *testing.T) {
	failing := map[string]error{
		agent.StepDevOps: errors.New("devops generation broke"),
	}
	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithAgents(stubAgents(failing)))

	report, err := o.Run(context.Background(), "build a todo app", nil)

	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "devops generation broke")

	var failed int
	for _, step := range report.Steps {
		if step.Status == agent.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	// Every other step ran and its artifact survived the failure.
	assert.Len(t, report.Artifacts, 6)
	assert.NotContains(t, report.Artifacts, agent.StepDevOps)
	assert.Contains(t, report.Artifacts, agent.StepPMSpec)
	assert.Contains(t, report.Artifacts, agent.StepSecurity)
	assert.Contains(t, report.Artifacts, agent.StepQA)
}

func TestRun_DisabledStepSkippedNotFailed(t *testing.T) {
	cfg := orchestrator.Config{
		Steps: map[string]orchestrator.StepSettings{
			agent.StepUIDesign: {Disabled: true},
		},
	}
	o := orchestrator.New(cfg, orchestrator.WithAgents(stubAgents(nil)))

	report, err := o.Run(context.Background(), "headless service", nil)

	require.NoError(t, err)
	assert.True(t, report.Success, "disabled steps must not count against success")
	assert.NotContains(t, report.Artifacts, agent.StepUIDesign)

	for _, step := range report.Steps {
		if step.ID == agent.StepUIDesign {
			assert.Equal(t, agent.StatusPending, step.Status)
		}
	}
}

func TestRun_CancellationIsTerminal(t *testing.T) {
	failing := map[string]error{
		agent.StepArchDesign: llm.ErrClientDisconnected,
	}
	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithAgents(stubAgents(failing)))

	report, err := o.Run(context.Background(), "build a todo app", nil)

	require.NoError(t, err)
	assert.False(t, report.Success)

	// The first step completed, the second was canceled, and the rest
	// never started.
	statuses := make(map[string]agent.StepStatus)
	for _, step := range report.Steps {
		statuses[step.ID] = step.Status
	}
	assert.Equal(t, agent.StatusSuccess, statuses[agent.StepPMSpec])
	assert.Equal(t, agent.StatusFailed, statuses[agent.StepArchDesign])
	assert.Equal(t, agent.StatusPending, statuses[agent.StepQA])
}

func TestRun_EmitsOrderedEvents(t *testing.T) {
	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithAgents(stubAgents(nil)))

	var mu sync.Mutex
	var events []agent.Event
	_, err := o.Run(context.Background(), "build it", func(ev agent.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, agent.EventStepStart, events[0].Type)
	assert.Equal(t, agent.StepPMSpec, events[0].StepID)
	assert.Equal(t, agent.EventOrchestrationComplete, events[len(events)-1].Type)

	// Seven starts and seven completions in total.
	var starts, completes int
	for _, ev := range events {
		switch ev.Type {
		case agent.EventStepStart:
			starts++
		case agent.EventStepComplete:
			completes++
		}
	}
	assert.Equal(t, 7, starts)
	assert.Equal(t, 7, completes)
}

func TestRun_PerStepPolicyRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	lookup := func(stepID string) agent.Func {
		return func(_ context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
			if stepID != agent.StepPMSpec {
				return &agent.Artifact{StepID: stepID, Content: map[string]any{}}, nil
			}
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 2 {
				return nil, errors.New("flaky")
			}
			return &agent.Artifact{StepID: stepID, Content: map[string]any{}}, nil
		}
	}

	policy := exec.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 2.0}
	cfg := orchestrator.Config{
		Steps: map[string]orchestrator.StepSettings{
			agent.StepPMSpec: {Policy: &policy},
		},
	}
	o := orchestrator.New(cfg, orchestrator.WithAgents(lookup))

	report, err := o.Run(context.Background(), "build it", nil)

	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 2, attempts)
}

func TestState_LiveSnapshotDuringRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	lookup := func(stepID string) agent.Func {
		return func(_ context.Context, _ agent.StepContext, _ agent.ProgressFunc) (*agent.Artifact, error) {
			if stepID == agent.StepArchDesign {
				once.Do(func() { close(started) })
				<-release
			}
			return &agent.Artifact{StepID: stepID, Content: map[string]any{}}, nil
		}
	}

	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithAgents(lookup))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(context.Background(), "build it", nil)
	}()

	<-started
	snapshot := o.State()
	close(release)
	<-done

	// Mid-run: the first step was committed, the run was not finished.
	assert.Contains(t, snapshot.Artifacts, agent.StepPMSpec)
	assert.Nil(t, snapshot.Report)

	statuses := make(map[string]agent.StepStatus)
	for _, step := range snapshot.Steps {
		statuses[step.ID] = step.Status
	}
	assert.Equal(t, agent.StatusSuccess, statuses[agent.StepPMSpec])
	assert.Equal(t, agent.StatusRunning, statuses[agent.StepArchDesign])
}
