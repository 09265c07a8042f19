// Package agent defines the step and artifact domain for blueprint
// generation, the contract each pipeline step implements, and the built-in
// generation agents backed by the llm package.
package agent

import (
	"context"
	"time"
)

// StepStatus is the lifecycle status of one pipeline step.
// Transitions are monotonic: pending → running → {success|failed}.
type StepStatus string

const (
	StatusPending StepStatus = "pending"
	StatusRunning StepStatus = "running"
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
)

// Step describes one stage of the fixed generation pipeline.
type Step struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Role   string     `json:"role"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Artifact is the structured output document of one pipeline step.
// Artifacts are immutable once produced; refinement replaces an artifact
// with a new value rather than mutating content in place.
type Artifact struct {
	StepID    string         `json:"step_id"`
	Role      string         `json:"role"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// Clone returns a shallow copy with its own content map, so callers can
// build a replacement without touching the original.
func (a *Artifact) Clone() *Artifact {
	content := make(map[string]any, len(a.Content))
	for k, v := range a.Content {
		content[k] = v
	}
	return &Artifact{
		StepID:    a.StepID,
		Role:      a.Role,
		Content:   content,
		Timestamp: a.Timestamp,
	}
}

// StepContext carries the inputs available to a step invocation.
type StepContext struct {
	// UserRequest is the original natural-language prompt.
	UserRequest string

	// PreviousArtifacts holds the committed output of every step that has
	// already completed, keyed by step ID.
	PreviousArtifacts map[string]*Artifact

	// Instruction is a refinement instruction, empty during initial generation.
	Instruction string

	// Options carries step-specific generation options.
	Options map[string]any
}

// ProgressFunc receives progress events emitted by a running step.
// A non-nil error from the forwarder signals that the downstream consumer
// is gone; the step must stop and propagate the error.
type ProgressFunc func(Event) error

// Func is the contract every pipeline step implements. It must return an
// error on unrecoverable failure, never partial data.
type Func func(ctx context.Context, sc StepContext, onProgress ProgressFunc) (*Artifact, error)
