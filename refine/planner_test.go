package refine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/josephsenior/Metasop-sub003/llm/testutil"
	"github.com/josephsenior/Metasop-sub003/refine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func artifacts(stepIDs ...string) map[string]*agent.Artifact {
	out := make(map[string]*agent.Artifact, len(stepIDs))
	for _, id := range stepIDs {
		out[id] = &agent.Artifact{
			StepID:    id,
			Role:      agent.StepRole(id),
			Content:   map[string]any{"summary": "doc for " + id},
			Timestamp: time.Now(),
		}
	}
	return out
}

func TestAnalyzeIntent_ParsesPlan(t *testing.T) {
	mock := &testutil.MockBackend{
		Responses: []*llm.Response{
			{Content: "```json\n" + `{
				"edits": [
					{
						"artifact": "arch_design",
						"change": "Add a caching layer",
						"cascading_effects": [
							{"artifact": "engineer_impl", "reason": "implementation must cover the cache"}
						]
					}
				],
				"reasoning": "the instruction targets the architecture"
			}` + "\n```", Model: "test-model"},
		},
	}

	planner := refine.NewPlanner(mock)
	plan, err := planner.AnalyzeIntent(context.Background(), refine.Context{
		Intent:    "add a caching layer",
		Artifacts: artifacts(agent.StepArchDesign, agent.StepEngineer),
	})

	require.NoError(t, err)
	require.Len(t, plan.Edits, 1)
	assert.Equal(t, agent.StepArchDesign, plan.Edits[0].Artifact)
	require.Len(t, plan.Edits[0].CascadingEffects, 1)
	assert.Equal(t, agent.StepEngineer, plan.Edits[0].CascadingEffects[0].Artifact)
	assert.False(t, plan.IsNoOp())
}

func TestAnalyzeIntent_EmptyIntent(t *testing.T) {
	planner := refine.NewPlanner(&testutil.MockBackend{})

	_, err := planner.AnalyzeIntent(context.Background(), refine.Context{
		Artifacts: artifacts(agent.StepPMSpec),
	})

	require.Error(t, err)
}

func TestAnalyzeIntent_DropsEditsForMissingArtifacts(t *testing.T) {
	mock := &testutil.MockBackend{
		Responses: []*llm.Response{
			{Content: `{"edits": [{"artifact": "no_such_step", "change": "x"}]}`},
		},
	}

	planner := refine.NewPlanner(mock)
	plan, err := planner.AnalyzeIntent(context.Background(), refine.Context{
		Intent:    "change something",
		Artifacts: artifacts(agent.StepPMSpec),
	})

	require.NoError(t, err)
	assert.True(t, plan.IsNoOp())
}

func TestAnalyzeIntent_BackendError(t *testing.T) {
	planner := refine.NewPlanner(&testutil.MockBackend{Err: errors.New("backend down")})

	_, err := planner.AnalyzeIntent(context.Background(), refine.Context{
		Intent:    "change something",
		Artifacts: artifacts(agent.StepPMSpec),
	})

	require.Error(t, err)
}

func TestEditPlan_IsNoOp(t *testing.T) {
	tests := []struct {
		name string
		plan *refine.EditPlan
		want bool
	}{
		{"nil plan", nil, true},
		{"zero edits", &refine.EditPlan{}, true},
		{"unknown sentinel", &refine.EditPlan{Edits: []refine.Edit{{Artifact: refine.UnknownArtifact}}}, true},
		{"real edit", &refine.EditPlan{Edits: []refine.Edit{{Artifact: "pm_spec", Change: "x"}}}, false},
		{"unknown plus real", &refine.EditPlan{Edits: []refine.Edit{
			{Artifact: refine.UnknownArtifact}, {Artifact: "pm_spec"},
		}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.plan.IsNoOp())
		})
	}
}
