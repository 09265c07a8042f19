package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/depgraph"
	"github.com/josephsenior/Metasop-sub003/refine"
)

// RefineReport is the accumulated outcome of a refinement request.
type RefineReport struct {
	// NoChanges is true when intent analysis decided nothing needs to
	// change.
	NoChanges bool `json:"no_changes"`

	// Updated lists the step IDs whose artifacts were replaced, in the
	// order they were committed.
	Updated []string `json:"updated,omitempty"`

	// Changelog attributes the applied changes per artifact.
	Changelog []refine.ChangelogEntry `json:"changelog,omitempty"`

	// Depth is the deepest cascade level reached.
	Depth int `json:"depth"`
}

// RefineArtifact re-invokes only the targeted step's generation with the
// instruction applied against existing context, replacing that one
// artifact. depth tags the invocation's cascade level for progress
// reporting. When atomic is false and the orchestrator has a planner, the
// refinement cascades into dependent artifacts afterwards.
func (o *Orchestrator) RefineArtifact(ctx context.Context, stepID, instruction string, onProgress agent.ProgressFunc, depth int, atomic bool) (*agent.Artifact, error) {
	fn := o.agents(stepID)
	if fn == nil {
		return nil, fmt.Errorf("no agent registered for step %s", stepID)
	}

	o.mu.RLock()
	_, exists := o.artifacts[stepID]
	o.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no artifact for step %s; run generation first", stepID)
	}

	sc := o.stepContext("", instruction)
	sc.UserRequest = instruction

	result := o.executor.ExecuteStep(ctx, fn, sc, o.stepOptions(stepID), onProgress)
	if !result.Success {
		return nil, fmt.Errorf("refine %s: %w", stepID, result.Err)
	}

	o.mu.Lock()
	o.artifacts[stepID] = result.Artifact
	o.mu.Unlock()

	if onProgress != nil {
		ev := agent.NewEvent(agent.EventArtifactUpdated, map[string]any{"depth": depth})
		ev.StepID = stepID
		ev.Role = agent.StepRole(stepID)
		if err := onProgress(ev); err != nil {
			return result.Artifact, err
		}
	}

	if !atomic && o.planner != nil {
		if _, err := o.CascadeRefinement(ctx, stepID, instruction, onProgress); err != nil {
			return result.Artifact, err
		}
	}

	return result.Artifact, nil
}

// CascadeRefinement runs the two-layer refinement protocol: it rebuilds the
// dependency graph over the current artifacts, asks the planner for an edit
// plan, applies it, merges the results, and recurses into every artifact
// the plan flags as a cascading effect. Recursion is bounded by the
// configured max depth — enforced unconditionally — and a per-run visited
// set keeps diamond-shaped dependencies from refining an artifact twice.
func (o *Orchestrator) CascadeRefinement(ctx context.Context, stepID, instruction string, onProgress agent.ProgressFunc) (*RefineReport, error) {
	if o.planner == nil || o.patcher == nil {
		return nil, fmt.Errorf("refinement is not configured")
	}

	report := &RefineReport{NoChanges: true}
	visited := make(map[string]bool)
	if err := o.cascade(ctx, stepID, instruction, onProgress, 0, visited, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (o *Orchestrator) cascade(ctx context.Context, stepID, instruction string, onProgress agent.ProgressFunc, depth int, visited map[string]bool, report *RefineReport) error {
	if depth >= o.cfg.MaxCascadeDepth {
		o.logger.Warn("Cascade depth bound reached, stopping propagation",
			"step_id", stepID,
			"depth", depth)
		return nil
	}
	if visited[stepID] {
		return nil
	}
	visited[stepID] = true
	if depth > report.Depth {
		report.Depth = depth
	}

	artifacts := o.Artifacts()

	// The graph is rebuilt from current content on every entry; its stats
	// feed progress reporting only.
	graph := depgraph.Build(artifacts, nil)
	nodes, edges := graph.Stats()

	plan, err := o.planner.AnalyzeIntent(ctx, refine.Context{
		Intent:    instruction,
		Artifacts: artifacts,
		ActiveTab: stepID,
	})
	if err != nil {
		return fmt.Errorf("cascade at %s: %w", stepID, err)
	}

	if plan.IsNoOp() {
		if onProgress != nil && depth == 0 {
			_ = onProgress(agent.NewEvent(agent.EventPlanReady, map[string]any{
				"message": "no changes needed",
				"edits":   0,
			}))
		}
		return nil
	}

	if onProgress != nil {
		if err := onProgress(agent.NewEvent(agent.EventPlanReady, map[string]any{
			"edits":       len(plan.Edits),
			"reasoning":   plan.Reasoning,
			"graph_nodes": nodes,
			"graph_edges": edges,
			"depth":       depth,
		})); err != nil {
			return err
		}
		if err := onProgress(agent.NewEvent(agent.EventApplying, map[string]any{
			"targets": plan.Targets(),
		})); err != nil {
			return err
		}
	}

	result, err := o.patcher.ApplyBatchUpdate(ctx, plan, artifacts)
	if err != nil {
		return fmt.Errorf("cascade at %s: %w", stepID, err)
	}

	merged := refine.MergeArtifacts(artifacts, result.Updated)

	o.mu.Lock()
	o.artifacts = merged
	o.mu.Unlock()

	report.NoChanges = false
	report.Changelog = append(report.Changelog, result.Changelog...)
	for _, updatedID := range updatedOrder(plan, result.Updated) {
		report.Updated = append(report.Updated, updatedID)
		if onProgress != nil {
			ev := agent.NewEvent(agent.EventArtifactUpdated, map[string]any{"depth": depth})
			ev.StepID = updatedID
			ev.Role = agent.StepRole(updatedID)
			if err := onProgress(ev); err != nil {
				return err
			}
		}
	}

	// Recurse into flagged dependents. The visited set makes each artifact
	// refine at most once per cascade even across diamond edges or cycles.
	for _, edit := range plan.Edits {
		for _, effect := range edit.CascadingEffects {
			if effect.Artifact == refine.UnknownArtifact || visited[effect.Artifact] {
				continue
			}
			if err := o.cascade(ctx, effect.Artifact, effect.Reason, onProgress, depth+1, visited, report); err != nil {
				return err
			}
		}
	}

	return nil
}

// updatedOrder lists the updated step IDs deterministically: plan target
// order first, then any extra updates sorted.
func updatedOrder(plan *refine.EditPlan, updated map[string]*agent.Artifact) []string {
	seen := make(map[string]bool, len(updated))
	var out []string
	for _, target := range plan.Targets() {
		if _, ok := updated[target]; ok && !seen[target] {
			seen[target] = true
			out = append(out, target)
		}
	}
	var extras []string
	for stepID := range updated {
		if !seen[stepID] {
			extras = append(extras, stepID)
		}
	}
	sort.Strings(extras)
	return append(out, extras...)
}
