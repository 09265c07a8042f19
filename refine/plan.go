// Package refine implements the two-layer refinement protocol: intent
// analysis produces an edit plan naming target artifacts and their cascading
// effects, and batch patching applies the plan to the artifact set with
// non-destructive merge semantics.
package refine

// UnknownArtifact is the sentinel target an intent analysis uses when it
// cannot map the instruction to any artifact. A plan whose only edit
// targets it is a no-op.
const UnknownArtifact = "unknown"

// Effect names an artifact touched by the ripple of an edit.
type Effect struct {
	Artifact string `json:"artifact"`
	Reason   string `json:"reason"`
}

// Edit is one planned change to a single artifact.
type Edit struct {
	Artifact         string   `json:"artifact"`
	Change           string   `json:"change"`
	CascadingEffects []Effect `json:"cascading_effects,omitempty"`
}

// EditPlan is the structured output of intent analysis. Plans are produced
// fresh per refinement request and never persisted.
type EditPlan struct {
	Edits     []Edit `json:"edits"`
	Reasoning string `json:"reasoning,omitempty"`
}

// IsNoOp reports whether the plan requires no changes: zero edits, or a
// single edit targeting the unknown-artifact sentinel. Callers must
// short-circuit on a no-op plan and report "no changes needed" without
// invoking the patcher.
func (p *EditPlan) IsNoOp() bool {
	if p == nil || len(p.Edits) == 0 {
		return true
	}
	if len(p.Edits) == 1 && p.Edits[0].Artifact == UnknownArtifact {
		return true
	}
	return false
}

// Targets returns the distinct artifacts the plan edits directly.
func (p *EditPlan) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, edit := range p.Edits {
		if edit.Artifact == UnknownArtifact || seen[edit.Artifact] {
			continue
		}
		seen[edit.Artifact] = true
		out = append(out, edit.Artifact)
	}
	return out
}
