// Package orchestrator drives the fixed blueprint pipeline: it sequences
// the seven generation steps through the execution layer, accumulates
// artifacts and step statuses into a run report, and layers cascading
// refinement on top of the dependency graph and the refinement protocol.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/exec"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/josephsenior/Metasop-sub003/refine"
)

// DefaultStepTimeout bounds one step attempt when no override is configured.
const DefaultStepTimeout = 5 * time.Minute

// DefaultMaxCascadeDepth bounds cascade recursion.
const DefaultMaxCascadeDepth = 3

// StepSettings overrides execution parameters for one step.
type StepSettings struct {
	// Disabled skips the step entirely. A disabled step is never marked
	// failed.
	Disabled bool

	// Timeout is the per-attempt deadline. Zero falls back to the default.
	Timeout time.Duration

	// Policy is the retry policy. Nil falls back to no-retry, which is the
	// documented default rather than an oversight.
	Policy *exec.RetryPolicy
}

// Config configures an Orchestrator.
type Config struct {
	// Steps holds per-step overrides keyed by step ID.
	Steps map[string]StepSettings

	// DefaultTimeout applies to steps without an explicit timeout.
	DefaultTimeout time.Duration

	// MaxCascadeDepth bounds cascade recursion. Zero uses the default.
	MaxCascadeDepth int
}

// Report is the accumulated outcome of one orchestration run.
type Report struct {
	// Success is true only if every enabled step succeeded.
	Success bool `json:"success"`

	// Steps holds the final status of every step, in pipeline order.
	Steps []agent.Step `json:"steps"`

	// Artifacts holds the output of every step that succeeded.
	Artifacts map[string]*agent.Artifact `json:"artifacts"`

	// Error carries at least one step's error message when Success is
	// false, for user display.
	Error string `json:"error,omitempty"`

	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`
}

// Snapshot is a point-in-time view of a run, usable while it is in flight.
type Snapshot struct {
	Steps     []agent.Step
	Artifacts map[string]*agent.Artifact
	Report    *Report
}

// Orchestrator owns the fixed step sequence and the refinement entry
// points. One Orchestrator serves one blueprint at a time; concurrent runs
// each get their own instance.
type Orchestrator struct {
	cfg      Config
	executor *exec.Executor
	planner  *refine.Planner
	patcher  *refine.Patcher
	agents   func(stepID string) agent.Func
	logger   *slog.Logger

	mu        sync.RWMutex
	steps     []agent.Step
	artifacts map[string]*agent.Artifact
	report    *Report
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithExecutor sets the executor, e.g. one with a fake sleeper in tests.
func WithExecutor(executor *exec.Executor) Option {
	return func(o *Orchestrator) {
		o.executor = executor
	}
}

// WithAgents sets the step agent lookup. The default consults the package
// registry in agent.
func WithAgents(lookup func(stepID string) agent.Func) Option {
	return func(o *Orchestrator) {
		o.agents = lookup
	}
}

// WithRefinement sets the planner and patcher used by cascade refinement.
func WithRefinement(planner *refine.Planner, patcher *refine.Patcher) Option {
	return func(o *Orchestrator) {
		o.planner = planner
		o.patcher = patcher
	}
}

// WithArtifacts seeds the orchestrator with existing artifacts, for
// refinement over a previously generated blueprint.
func WithArtifacts(artifacts map[string]*agent.Artifact) Option {
	return func(o *Orchestrator) {
		for stepID, artifact := range artifacts {
			o.artifacts[stepID] = artifact
		}
	}
}

// New creates an Orchestrator.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.MaxCascadeDepth == 0 {
		cfg.MaxCascadeDepth = DefaultMaxCascadeDepth
	}

	o := &Orchestrator{
		cfg:       cfg,
		agents:    agent.Get,
		logger:    slog.Default(),
		steps:     agent.PipelineSteps(),
		artifacts: make(map[string]*agent.Artifact),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		o.executor = exec.NewExecutor(exec.WithExecutorLogger(o.logger))
	}
	return o
}

// stepOptions resolves the execution options for one step.
func (o *Orchestrator) stepOptions(stepID string) exec.Options {
	opts := exec.Options{
		Timeout: o.cfg.DefaultTimeout,
		Policy:  exec.NoRetry,
		StepID:  stepID,
		Role:    agent.StepRole(stepID),
	}

	if settings, ok := o.cfg.Steps[stepID]; ok {
		if settings.Timeout > 0 {
			opts.Timeout = settings.Timeout
		}
		if settings.Policy != nil {
			opts.Policy = *settings.Policy
		}
	}
	return opts
}

// disabled reports whether a step is configured off.
func (o *Orchestrator) disabled(stepID string) bool {
	settings, ok := o.cfg.Steps[stepID]
	return ok && settings.Disabled
}

// Run executes the full pipeline for the given request. A failed step does
// not stop the run — later steps execute against whatever artifacts exist —
// except when the failure is a cancellation, which is terminal.
func (o *Orchestrator) Run(ctx context.Context, userRequest string, onProgress agent.ProgressFunc) (*Report, error) {
	start := time.Now()
	canceled := false

stages:
	for _, stage := range agent.StageOrder() {
		var pending []string
		for _, stepID := range stage {
			if o.disabled(stepID) {
				o.logger.Debug("Step disabled, skipping", "step_id", stepID)
				continue
			}
			pending = append(pending, stepID)
		}
		if len(pending) == 0 {
			continue
		}

		results := o.runStage(ctx, pending, userRequest, onProgress)

		for i, stepID := range pending {
			o.commitResult(stepID, results[i], onProgress)
			if llm.IsCanceled(results[i].Err) {
				canceled = true
				break stages
			}
		}
	}

	report := o.buildReport(time.Since(start))

	o.mu.Lock()
	o.report = report
	o.mu.Unlock()

	if onProgress != nil {
		eventType := agent.EventOrchestrationComplete
		payload := map[string]any{"success": report.Success}
		if !report.Success {
			eventType = agent.EventOrchestrationFailed
			payload["error"] = report.Error
		}
		if canceled {
			payload["canceled"] = true
		}
		// Terminal event delivery is best effort; the consumer may already
		// be gone.
		_ = onProgress(agent.NewEvent(eventType, payload))
	}

	return report, nil
}

// runStage executes the steps of one stage, in parallel when the stage has
// more than one step.
func (o *Orchestrator) runStage(ctx context.Context, stepIDs []string, userRequest string, onProgress agent.ProgressFunc) []exec.StepResult {
	if len(stepIDs) == 1 {
		return []exec.StepResult{o.runStep(ctx, stepIDs[0], userRequest, onProgress)}
	}

	sc := o.stepContext(userRequest, "")
	parallel := make([]exec.ParallelStep, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		fn := o.agents(stepID)
		if fn == nil {
			fn = missingAgent(stepID)
		}
		o.markRunning(stepID, onProgress)
		parallel = append(parallel, exec.ParallelStep{
			Fn:      fn,
			Context: sc,
			Options: o.stepOptions(stepID),
		})
	}
	return o.executor.ExecuteParallel(ctx, parallel, onProgress)
}

// runStep executes one step.
func (o *Orchestrator) runStep(ctx context.Context, stepID, userRequest string, onProgress agent.ProgressFunc) exec.StepResult {
	fn := o.agents(stepID)
	if fn == nil {
		fn = missingAgent(stepID)
	}
	o.markRunning(stepID, onProgress)
	return o.executor.ExecuteStep(ctx, fn, o.stepContext(userRequest, ""), o.stepOptions(stepID), onProgress)
}

// missingAgent stands in for an unregistered step agent.
func missingAgent(stepID string) agent.Func {
	return func(context.Context, agent.StepContext, agent.ProgressFunc) (*agent.Artifact, error) {
		return nil, llm.NewFatalError(fmt.Errorf("no agent registered for step %s", stepID))
	}
}

// stepContext snapshots the committed artifacts for a step invocation, so
// the step observes exactly the output of its predecessors.
func (o *Orchestrator) stepContext(userRequest, instruction string) agent.StepContext {
	o.mu.RLock()
	defer o.mu.RUnlock()

	artifacts := make(map[string]*agent.Artifact, len(o.artifacts))
	for stepID, artifact := range o.artifacts {
		artifacts[stepID] = artifact
	}
	return agent.StepContext{
		UserRequest:       userRequest,
		PreviousArtifacts: artifacts,
		Instruction:       instruction,
	}
}

// markRunning transitions a step to running and announces it.
func (o *Orchestrator) markRunning(stepID string, onProgress agent.ProgressFunc) {
	o.setStatus(stepID, agent.StatusRunning, "")
	if onProgress != nil {
		ev := agent.NewEvent(agent.EventStepStart, nil)
		ev.StepID = stepID
		ev.Role = agent.StepRole(stepID)
		_ = onProgress(ev)
	}
}

// commitResult stores a step outcome: artifact and success status, or
// failure status with the error recorded for the report.
func (o *Orchestrator) commitResult(stepID string, result exec.StepResult, onProgress agent.ProgressFunc) {
	if result.Success {
		o.mu.Lock()
		o.artifacts[stepID] = result.Artifact
		o.mu.Unlock()
		o.setStatus(stepID, agent.StatusSuccess, "")

		if onProgress != nil {
			ev := agent.NewEvent(agent.EventStepComplete, map[string]any{
				"attempts":          result.Attempts,
				"execution_time_ms": result.ExecutionTime.Milliseconds(),
			})
			ev.StepID = stepID
			ev.Role = agent.StepRole(stepID)
			_ = onProgress(ev)
		}
		return
	}

	errMsg := "step failed"
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	o.setStatus(stepID, agent.StatusFailed, errMsg)

	if onProgress != nil {
		ev := agent.NewEvent(agent.EventStepFailed, map[string]any{
			"error":    errMsg,
			"attempts": result.Attempts,
		})
		ev.StepID = stepID
		ev.Role = agent.StepRole(stepID)
		_ = onProgress(ev)
	}
}

// setStatus updates one step's status. Statuses only move forward.
func (o *Orchestrator) setStatus(stepID string, status agent.StepStatus, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range o.steps {
		if o.steps[i].ID != stepID {
			continue
		}
		if terminal(o.steps[i].Status) {
			return
		}
		o.steps[i].Status = status
		o.steps[i].Error = errMsg
		return
	}
}

func terminal(status agent.StepStatus) bool {
	return status == agent.StatusSuccess || status == agent.StatusFailed
}

// buildReport assembles the run report from current state.
func (o *Orchestrator) buildReport(duration time.Duration) *Report {
	o.mu.RLock()
	defer o.mu.RUnlock()

	report := &Report{
		Success:   true,
		Steps:     make([]agent.Step, len(o.steps)),
		Artifacts: make(map[string]*agent.Artifact, len(o.artifacts)),
		Duration:  duration,
	}
	copy(report.Steps, o.steps)
	for stepID, artifact := range o.artifacts {
		report.Artifacts[stepID] = artifact
	}

	for _, step := range o.steps {
		if o.disabled(step.ID) {
			continue
		}
		if step.Status != agent.StatusSuccess {
			report.Success = false
			if report.Error == "" && step.Error != "" {
				report.Error = fmt.Sprintf("%s: %s", step.ID, step.Error)
			}
		}
	}
	if !report.Success && report.Error == "" {
		report.Error = "one or more steps did not complete"
	}

	return report
}

// State returns a live snapshot of the run.
func (o *Orchestrator) State() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	steps := make([]agent.Step, len(o.steps))
	copy(steps, o.steps)

	artifacts := make(map[string]*agent.Artifact, len(o.artifacts))
	for stepID, artifact := range o.artifacts {
		artifacts[stepID] = artifact
	}

	return Snapshot{Steps: steps, Artifacts: artifacts, Report: o.report}
}

// Artifacts returns a copy of the committed artifact map.
func (o *Orchestrator) Artifacts() map[string]*agent.Artifact {
	o.mu.RLock()
	defer o.mu.RUnlock()

	artifacts := make(map[string]*agent.Artifact, len(o.artifacts))
	for stepID, artifact := range o.artifacts {
		artifacts[stepID] = artifact
	}
	return artifacts
}
