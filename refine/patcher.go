package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/llm"
)

// patcherPrompt instructs the model to apply a batch of edits.
const patcherPrompt = `You apply a batch of planned edits to blueprint
documents. For each edit, revise the named document. Keep every field the
edit does not touch unchanged.

Respond with a single JSON object:
{
  "updated_artifacts": {
    "<step id>": { ...complete revised document... }
  },
  "changelog": [
    {"artifact": "<step id>", "fields_changed": <int>, "summary": "<one sentence>"}
  ]
}

Only include documents you actually changed.`

// ChangelogEntry attributes applied changes to one artifact.
type ChangelogEntry struct {
	Artifact      string `json:"artifact"`
	FieldsChanged int    `json:"fields_changed"`
	Summary       string `json:"summary"`
}

// BatchResult is the outcome of one batch update.
type BatchResult struct {
	// Updated holds the artifacts the batch produced, keyed by step ID.
	// Artifacts not in the map were untouched.
	Updated map[string]*agent.Artifact

	// Changelog attributes the changes per artifact.
	Changelog []ChangelogEntry
}

// Patcher applies edit plans to the artifact set. Each ApplyBatchUpdate
// call is atomic: either every edit in the plan is applied to the returned
// set, or the call errors and the caller keeps the original artifacts.
type Patcher struct {
	backend llm.Backend
	logger  *slog.Logger
}

// PatcherOption configures a Patcher.
type PatcherOption func(*Patcher)

// WithPatcherLogger sets the logger.
func WithPatcherLogger(logger *slog.Logger) PatcherOption {
	return func(p *Patcher) {
		p.logger = logger
	}
}

// NewPatcher creates a Patcher over the given backend.
func NewPatcher(backend llm.Backend, opts ...PatcherOption) *Patcher {
	p := &Patcher{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// batchResponse is the model's reply shape.
type batchResponse struct {
	UpdatedArtifacts map[string]map[string]any `json:"updated_artifacts"`
	Changelog        []ChangelogEntry          `json:"changelog"`
}

// ApplyBatchUpdate applies every edit in the plan and returns the updated
// artifacts plus a per-artifact changelog. Artifacts absent from the result
// were not touched by the plan.
func (p *Patcher) ApplyBatchUpdate(ctx context.Context, plan *EditPlan, artifacts map[string]*agent.Artifact) (*BatchResult, error) {
	if plan.IsNoOp() {
		return &BatchResult{Updated: map[string]*agent.Artifact{}}, nil
	}

	messages := []llm.Message{
		{Role: "system", Content: patcherPrompt},
		{Role: "user", Content: p.renderBatch(plan, artifacts)},
	}

	resp, err := p.backend.Complete(ctx, llm.Request{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("apply batch update: %w", err)
	}

	extracted := llm.ExtractJSON(resp.Content)
	if extracted == "" {
		return nil, llm.NewTransientError(fmt.Errorf("no JSON in batch update response"))
	}

	var parsed batchResponse
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("unmarshal batch update: %w", err))
	}

	updated := make(map[string]*agent.Artifact, len(parsed.UpdatedArtifacts))
	now := time.Now()
	for stepID, content := range parsed.UpdatedArtifacts {
		original, ok := artifacts[stepID]
		if !ok || original == nil {
			p.logger.Warn("Batch update produced unknown artifact, dropping", "artifact", stepID)
			continue
		}
		updated[stepID] = &agent.Artifact{
			StepID:    stepID,
			Role:      original.Role,
			Content:   content,
			Timestamp: now,
		}
	}

	p.logger.Debug("Batch update applied",
		"edits", len(plan.Edits),
		"updated", len(updated))

	return &BatchResult{Updated: updated, Changelog: parsed.Changelog}, nil
}

// renderBatch serializes the plan and the targeted documents for the model.
func (p *Patcher) renderBatch(plan *EditPlan, artifacts map[string]*agent.Artifact) string {
	var sb strings.Builder

	sb.WriteString("Edits to apply:\n")
	for i, edit := range plan.Edits {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, edit.Artifact, edit.Change)
	}
	sb.WriteString("\nDocuments:\n")

	for _, target := range plan.Targets() {
		artifact := artifacts[target]
		if artifact == nil {
			continue
		}
		data, err := json.MarshalIndent(artifact.Content, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n\n", target, data)
	}

	return sb.String()
}
