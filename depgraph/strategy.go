package depgraph

import (
	"github.com/josephsenior/Metasop-sub003/agent"
)

// DeclaredReferences is the default edge strategy. It reads explicit
// references declared in artifact content (a "refs" or "depends_on" field
// listing step IDs) and supplements them with pipeline-order adjacency, so
// the graph is useful even for artifacts whose schemas declare nothing.
type DeclaredReferences struct{}

// Edges implements EdgeStrategy.
func (DeclaredReferences) Edges(artifacts map[string]*agent.Artifact) []Edge {
	var edges []Edge

	for stepID, artifact := range artifacts {
		if artifact == nil {
			continue
		}

		declared := make(map[string]bool)
		for _, target := range declaredRefs(artifact) {
			if target == stepID || declared[target] {
				continue
			}
			declared[target] = true
			edges = append(edges, Edge{From: stepID, To: target, Reason: "declared reference"})
		}

		// Pipeline adjacency: a step derives from every upstream stage it
		// consumed during generation.
		for _, dep := range agent.DependsOn(stepID) {
			if declared[dep] {
				continue
			}
			if _, ok := artifacts[dep]; !ok {
				continue
			}
			edges = append(edges, Edge{From: stepID, To: dep, Reason: "pipeline order"})
		}
	}

	return edges
}

// declaredRefs extracts step IDs from an artifact's declared reference
// fields. Both []string and []any of strings are accepted since content
// arrives from JSON decoding.
func declaredRefs(artifact *agent.Artifact) []string {
	var refs []string
	for _, key := range []string{"refs", "depends_on"} {
		switch v := artifact.Content[key].(type) {
		case []string:
			refs = append(refs, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					refs = append(refs, s)
				}
			}
		}
	}
	return refs
}
