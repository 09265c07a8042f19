// Package depgraph builds a directed dependency graph over a blueprint's
// artifact set. The graph is a derived, disposable view: it is rebuilt from
// the full current artifact set on every refinement entry point, never
// maintained incrementally, so it can never be stale relative to content
// that changed shape between calls.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/josephsenior/Metasop-sub003/agent"
)

// Node is one graph node: an artifact, or a referenced sub-field of one.
type Node struct {
	// ID is the node key: the artifact's step ID, or "stepID.field" for a
	// sub-field node.
	ID string

	// StepID is the owning artifact's step ID.
	StepID string

	// Field is the sub-field name, empty for artifact-level nodes.
	Field string
}

// Edge records that From's content references or derives from To.
type Edge struct {
	From   string
	To     string
	Reason string
}

// Graph is the dependency graph over one artifact set.
type Graph struct {
	nodes map[string]Node
	edges []Edge

	// dependents indexes edges by target: dependents[to] lists nodes whose
	// content references to.
	dependents map[string][]string
}

// EdgeStrategy detects references between artifact contents. Edge
// construction is pluggable: the default strategy reads declared references
// plus pipeline-order adjacency, but callers with richer artifact schemas
// can supply their own detection.
type EdgeStrategy interface {
	Edges(artifacts map[string]*agent.Artifact) []Edge
}

// Build constructs the graph using the given strategy (nil uses
// DeclaredReferences).
func Build(artifacts map[string]*agent.Artifact, strategy EdgeStrategy) *Graph {
	if strategy == nil {
		strategy = DeclaredReferences{}
	}

	g := &Graph{
		nodes:      make(map[string]Node),
		dependents: make(map[string][]string),
	}

	for stepID, artifact := range artifacts {
		if artifact == nil {
			continue
		}
		g.nodes[stepID] = Node{ID: stepID, StepID: stepID}

		// Sub-field nodes for declared reference fields keep the blast
		// radius of an edit visible at field granularity.
		for _, field := range referenceFields(artifact) {
			id := fmt.Sprintf("%s.%s", stepID, field)
			g.nodes[id] = Node{ID: id, StepID: stepID, Field: field}
		}
	}

	for _, edge := range strategy.Edges(artifacts) {
		// Only keep edges between known artifacts.
		if _, ok := g.nodes[edge.From]; !ok {
			continue
		}
		if _, ok := g.nodes[edge.To]; !ok {
			continue
		}
		g.edges = append(g.edges, edge)
		g.dependents[edge.To] = append(g.dependents[edge.To], edge.From)
	}

	return g
}

// Stats returns node and edge counts. Used for observability and progress
// reporting only, never for control flow.
func (g *Graph) Stats() (nodes, edges int) {
	return len(g.nodes), len(g.edges)
}

// Dependents returns the step IDs whose artifacts reference the given step,
// sorted for deterministic traversal.
func (g *Graph) Dependents(stepID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, from := range g.dependents[stepID] {
		if !seen[from] && from != stepID {
			seen[from] = true
			out = append(out, from)
		}
	}
	sort.Strings(out)
	return out
}

// HasNode reports whether the graph contains a node for the given ID.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// referenceFields lists the content fields that carry declared references.
func referenceFields(artifact *agent.Artifact) []string {
	var fields []string
	for _, key := range []string{"refs", "depends_on"} {
		if _, ok := artifact.Content[key]; ok {
			fields = append(fields, key)
		}
	}
	return fields
}
