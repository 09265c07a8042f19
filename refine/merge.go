package refine

import (
	"github.com/josephsenior/Metasop-sub003/agent"
)

// MergeArtifacts merges updated artifacts back into the full collection.
// The merge is shallow, idempotent, and non-destructive: artifacts absent
// from updated pass through from original unchanged, and merged artifacts
// keep the original's role and envelope structure so no metadata attached
// to untouched parts is lost. Neither input map is mutated.
func MergeArtifacts(original, updated map[string]*agent.Artifact) map[string]*agent.Artifact {
	merged := make(map[string]*agent.Artifact, len(original))
	for stepID, artifact := range original {
		merged[stepID] = artifact
	}

	for stepID, next := range updated {
		if next == nil {
			continue
		}
		prev, ok := original[stepID]
		if !ok || prev == nil {
			merged[stepID] = next
			continue
		}

		replacement := prev.Clone()
		replacement.Content = rewrapContent(prev.Content, next.Content)
		replacement.Timestamp = next.Timestamp
		merged[stepID] = replacement
	}

	return merged
}

// rewrapContent fits updated content into the original's envelope. If the
// original wrapped its document in a "content" key alongside metadata
// siblings and the update arrived bare, the update is placed back under the
// wrapper and the siblings survive.
func rewrapContent(original, updated map[string]any) map[string]any {
	if updated == nil {
		return original
	}

	_, wrapped := original["content"].(map[string]any)
	_, updateCarriesWrapper := updated["content"]

	if !wrapped || updateCarriesWrapper {
		return updated
	}

	out := make(map[string]any, len(original))
	for k, v := range original {
		out[k] = v
	}
	out["content"] = updated
	return out
}
