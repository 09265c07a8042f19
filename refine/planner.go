package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/llm"
)

// plannerPrompt instructs the model to emit an edit plan.
const plannerPrompt = `You analyze edit instructions against a set of
blueprint documents. Decide which documents must change and where each
change ripples.

Respond with a single JSON object:
{
  "edits": [
    {
      "artifact": "<step id of the document to change>",
      "change": "<what to change, one or two sentences>",
      "cascading_effects": [
        {"artifact": "<step id>", "reason": "<why it is affected>"}
      ]
    }
  ],
  "reasoning": "<one sentence>"
}

If no document needs to change, return {"edits": []}. If the instruction
cannot be mapped to any document, return a single edit with artifact
"unknown". Never invent step ids.`

// Context carries the inputs to intent analysis.
type Context struct {
	// Intent is the user's edit instruction.
	Intent string

	// Artifacts is the current artifact set, keyed by step ID.
	Artifacts map[string]*agent.Artifact

	// ChatHistory holds prior conversation turns, oldest first.
	ChatHistory []string

	// ActiveTab is the document the user is looking at, if known. It biases
	// the analysis toward that document for ambiguous instructions.
	ActiveTab string
}

// Planner performs intent analysis over the artifact set.
type Planner struct {
	backend llm.Backend
	logger  *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the logger.
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		p.logger = logger
	}
}

// NewPlanner creates a Planner over the given backend.
func NewPlanner(backend llm.Backend, opts ...PlannerOption) *Planner {
	p := &Planner{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AnalyzeIntent produces an edit plan for the instruction. The plan is
// derived fresh from the current artifact set on every call.
func (p *Planner) AnalyzeIntent(ctx context.Context, rc Context) (*EditPlan, error) {
	if strings.TrimSpace(rc.Intent) == "" {
		return nil, fmt.Errorf("intent is required")
	}

	messages := []llm.Message{
		{Role: "system", Content: plannerPrompt},
		{Role: "user", Content: p.renderContext(rc)},
	}

	resp, err := p.backend.Complete(ctx, llm.Request{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("analyze intent: %w", err)
	}

	extracted := llm.ExtractJSON(resp.Content)
	if extracted == "" {
		return nil, llm.NewTransientError(fmt.Errorf("no JSON plan in analysis response"))
	}

	var plan EditPlan
	if err := json.Unmarshal([]byte(extracted), &plan); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("unmarshal edit plan: %w", err))
	}

	// Drop edits naming artifacts that do not exist; the sentinel passes
	// through so callers can report the no-op.
	plan.Edits = p.pruneUnknownTargets(plan.Edits, rc.Artifacts)

	p.logger.Debug("Intent analyzed",
		"edits", len(plan.Edits),
		"active_tab", rc.ActiveTab)

	return &plan, nil
}

// renderContext serializes the analysis inputs for the model.
func (p *Planner) renderContext(rc Context) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Instruction: %s\n\n", rc.Intent)
	if rc.ActiveTab != "" {
		fmt.Fprintf(&sb, "The user is viewing: %s\n\n", rc.ActiveTab)
	}
	if len(rc.ChatHistory) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, turn := range rc.ChatHistory {
			fmt.Fprintf(&sb, "- %s\n", turn)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Documents:\n")
	for _, step := range agent.PipelineSteps() {
		artifact, ok := rc.Artifacts[step.ID]
		if !ok || artifact == nil {
			continue
		}
		data, err := json.Marshal(artifact.Content)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n\n", step.ID, data)
	}

	return sb.String()
}

// pruneUnknownTargets removes edits whose target artifact does not exist.
func (p *Planner) pruneUnknownTargets(edits []Edit, artifacts map[string]*agent.Artifact) []Edit {
	var kept []Edit
	for _, edit := range edits {
		if edit.Artifact == UnknownArtifact {
			kept = append(kept, edit)
			continue
		}
		if _, ok := artifacts[edit.Artifact]; !ok {
			p.logger.Warn("Plan targets missing artifact, dropping edit", "artifact", edit.Artifact)
			continue
		}
		kept = append(kept, edit)
	}
	return kept
}
