package config

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/exec"
	"github.com/josephsenior/Metasop-sub003/orchestrator"
)

// Retry preset names accepted in step config.
const (
	RetryNone       = "none"
	RetryFast       = "fast"
	RetryAggressive = "aggressive"
)

// presetPolicy resolves a retry preset name. The empty name means none.
func presetPolicy(name string) (exec.RetryPolicy, error) {
	switch name {
	case "", RetryNone:
		return exec.NoRetry, nil
	case RetryFast:
		return exec.FastRetry, nil
	case RetryAggressive:
		return exec.AggressiveRetry, nil
	default:
		return exec.RetryPolicy{}, fmt.Errorf("unknown retry preset %q", name)
	}
}

// StepSettings resolves the effective settings for one step ID by matching
// it against every configured pattern. An exact key wins outright; among
// glob matches, patterns apply in lexical order so later ones override
// earlier ones field by field.
func (c *Config) StepSettings(stepID string) (StepConfig, bool) {
	if exact, ok := c.Steps[stepID]; ok {
		return exact, true
	}

	patterns := make([]string, 0, len(c.Steps))
	for pattern := range c.Steps {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	var out StepConfig
	matched := false
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, stepID)
		if err != nil || !ok {
			continue
		}
		matched = true
		step := c.Steps[pattern]
		if step.Disabled {
			out.Disabled = true
		}
		if step.Timeout != 0 {
			out.Timeout = step.Timeout
		}
		if step.Retry != "" {
			out.Retry = step.Retry
		}
	}
	return out, matched
}

// OrchestratorConfig translates the per-step configuration into an
// orchestrator configuration for the fixed pipeline.
func (c *Config) OrchestratorConfig() (orchestrator.Config, error) {
	out := orchestrator.Config{
		DefaultTimeout:  c.Model.Timeout,
		MaxCascadeDepth: c.Refine.MaxCascadeDepth,
	}

	for _, step := range agent.PipelineSteps() {
		sc, ok := c.StepSettings(step.ID)
		if !ok {
			continue
		}
		policy, err := presetPolicy(sc.Retry)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("step %s: %w", step.ID, err)
		}

		settings := orchestrator.StepSettings{
			Disabled: sc.Disabled,
			Timeout:  sc.Timeout,
		}
		if sc.Retry != "" && sc.Retry != RetryNone {
			settings.Policy = &policy
		}

		if out.Steps == nil {
			out.Steps = make(map[string]orchestrator.StepSettings)
		}
		out.Steps[step.ID] = settings
	}

	return out, nil
}
