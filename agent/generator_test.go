package agent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/josephsenior/Metasop-sub003/llm/testutil"
)

func TestAgent_ProducesArtifactFromModelOutput(t *testing.T) {
	mock := &testutil.MockBackend{
		Responses: []*llm.Response{
			{Content: "Here is the document:\n```json\n{\"summary\": \"a todo app\"}\n```", Model: "test-model"},
		},
	}
	gen := agent.NewGenerator(mock)

	fn := gen.Agent(agent.StepPMSpec)
	artifact, err := fn(context.Background(), agent.StepContext{UserRequest: "build a todo app"}, nil)
	require.NoError(t, err)

	assert.Equal(t, agent.StepPMSpec, artifact.StepID)
	assert.Equal(t, agent.RoleProductManager, artifact.Role)
	assert.Equal(t, "a todo app", artifact.Content["summary"])
	assert.False(t, artifact.Timestamp.IsZero())
}

func TestAgent_MalformedOutputIsTransient(t *testing.T) {
	mock := &testutil.MockBackend{
		Responses: []*llm.Response{
			{Content: "I could not produce a document.", Model: "test-model"},
		},
	}
	gen := agent.NewGenerator(mock)

	fn := gen.Agent(agent.StepPMSpec)
	_, err := fn(context.Background(), agent.StepContext{UserRequest: "anything"}, nil)
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err), "parse failures should be retryable")
}

func TestAgent_EmitsThoughtEvent(t *testing.T) {
	mock := &testutil.MockBackend{
		Responses: []*llm.Response{
			{Content: `{"summary": "ok"}`, Model: "test-model"},
		},
	}
	gen := agent.NewGenerator(mock)

	var events []agent.Event
	onProgress := func(e agent.Event) error {
		events = append(events, e)
		return nil
	}

	fn := gen.Agent(agent.StepArchDesign)
	_, err := fn(context.Background(), agent.StepContext{UserRequest: "anything"}, onProgress)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventStepThought, events[0].Type)
}

func TestAgent_ProgressErrorAbortsBeforeBackendCall(t *testing.T) {
	mock := &testutil.MockBackend{}
	gen := agent.NewGenerator(mock)

	stop := errors.New("subscriber gone")
	fn := gen.Agent(agent.StepPMSpec)
	_, err := fn(context.Background(), agent.StepContext{UserRequest: "anything"}, func(agent.Event) error {
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 0, mock.CallCount())
}

func TestDependsOn_FollowsStageOrder(t *testing.T) {
	assert.Empty(t, agent.DependsOn(agent.StepPMSpec))
	assert.Equal(t, []string{agent.StepPMSpec}, agent.DependsOn(agent.StepArchDesign))
	assert.Equal(t,
		[]string{agent.StepPMSpec, agent.StepArchDesign},
		agent.DependsOn(agent.StepDevOps))
	assert.Equal(t,
		[]string{agent.StepPMSpec, agent.StepArchDesign, agent.StepDevOps, agent.StepSecurity},
		agent.DependsOn(agent.StepEngineer))
	assert.Nil(t, agent.DependsOn("no_such_step"))
}

func TestGenerator_RegisterAll(t *testing.T) {
	mock := &testutil.MockBackend{}
	agent.NewGenerator(mock).RegisterAll()

	for _, step := range agent.PipelineSteps() {
		assert.NotNil(t, agent.Get(step.ID), "missing agent for %s", step.ID)
	}
}

func TestStepRole_UnknownStep(t *testing.T) {
	assert.Equal(t, "", agent.StepRole("not_a_step"))
	assert.Equal(t, agent.RoleQA, agent.StepRole(agent.StepQA))
}

func TestAgent_RefinementIncludesCurrentDocument(t *testing.T) {
	mock := &testutil.MockBackend{
		Responses: []*llm.Response{
			{Content: `{"summary": "revised"}`, Model: "test-model"},
		},
	}
	gen := agent.NewGenerator(mock)

	existing := &agent.Artifact{
		StepID:  agent.StepPMSpec,
		Role:    agent.RoleProductManager,
		Content: map[string]any{"summary": "original"},
	}

	fn := gen.Agent(agent.StepPMSpec)
	artifact, err := fn(context.Background(), agent.StepContext{
		UserRequest:       "build a todo app",
		Instruction:       "add offline mode",
		PreviousArtifacts: map[string]*agent.Artifact{agent.StepPMSpec: existing},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "revised", artifact.Content["summary"])
}
