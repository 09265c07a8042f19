package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/josephsenior/Metasop-sub003/llm"
)

// Generator produces step agents backed by a text-generation backend.
// One Generator serves all pipeline steps; each agent shares the backend
// and differs only in its role prompt.
type Generator struct {
	backend     llm.Backend
	logger      *slog.Logger
	temperature *float64
	maxTokens   int
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithTemperature sets the sampling temperature for all agents.
func WithTemperature(t float64) GeneratorOption {
	return func(g *Generator) {
		g.temperature = &t
	}
}

// WithMaxTokens caps the response length for all agents.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) {
		g.maxTokens = n
	}
}

// NewGenerator creates a Generator over the given backend.
func NewGenerator(backend llm.Backend, opts ...GeneratorOption) *Generator {
	g := &Generator{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterAll registers an agent for every pipeline step.
func (g *Generator) RegisterAll() {
	for _, step := range PipelineSteps() {
		Register(step.ID, g.Agent(step.ID))
	}
}

// Agent returns the step agent for the given step ID.
func (g *Generator) Agent(stepID string) Func {
	role := StepRole(stepID)

	return func(ctx context.Context, sc StepContext, onProgress ProgressFunc) (*Artifact, error) {
		prompt, ok := stepPrompts[stepID]
		if !ok {
			return nil, fmt.Errorf("no prompt for step %s", stepID)
		}

		if onProgress != nil {
			if err := onProgress(NewEvent(EventStepThought, map[string]any{
				"message": fmt.Sprintf("drafting %s document", stepID),
			})); err != nil {
				return nil, err
			}
		}

		messages := g.buildMessages(stepID, prompt, sc)

		resp, err := g.backend.Complete(ctx, llm.Request{
			Messages:    messages,
			Temperature: g.temperature,
			MaxTokens:   g.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", stepID, err)
		}

		content, err := parseArtifactContent(resp.Content)
		if err != nil {
			// Malformed model output is worth one more attempt under policy.
			return nil, llm.NewTransientError(fmt.Errorf("parse %s output: %w", stepID, err))
		}

		g.logger.Debug("Step document generated",
			"step_id", stepID,
			"model", resp.Model,
			"tokens", resp.Usage.TotalTokens)

		return &Artifact{
			StepID:    stepID,
			Role:      role,
			Content:   content,
			Timestamp: time.Now(),
		}, nil
	}
}

// buildMessages assembles the chat history for one step invocation:
// role prompt, prior artifacts as context, the user request, and the
// refinement instruction when present.
func (g *Generator) buildMessages(stepID, prompt string, sc StepContext) []llm.Message {
	messages := []llm.Message{
		{Role: "system", Content: prompt},
	}

	if contextBlock := renderArtifactContext(stepID, sc.PreviousArtifacts); contextBlock != "" {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: "Documents produced so far:\n\n" + contextBlock,
		})
	}

	messages = append(messages, llm.Message{
		Role:    "user",
		Content: "Request: " + sc.UserRequest,
	})

	if sc.Instruction != "" {
		var current string
		if existing := sc.PreviousArtifacts[stepID]; existing != nil {
			if data, err := json.MarshalIndent(existing.Content, "", "  "); err == nil {
				current = string(data)
			}
		}
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: refinementPrompt + "\n\nCurrent document:\n" + current + "\n\nInstruction: " + sc.Instruction,
		})
	}

	return messages
}

// renderArtifactContext serializes the artifacts a step depends on. Only
// upstream documents are included so context stays within budget.
func renderArtifactContext(stepID string, artifacts map[string]*Artifact) string {
	deps := DependsOn(stepID)
	if len(deps) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, dep := range deps {
		artifact, ok := artifacts[dep]
		if !ok || artifact == nil {
			continue
		}
		data, err := json.MarshalIndent(artifact.Content, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s (%s)\n%s\n\n", dep, artifact.Role, data)
	}
	return sb.String()
}

// parseArtifactContent extracts the JSON document from model output.
func parseArtifactContent(raw string) (map[string]any, error) {
	extracted := llm.ExtractJSON(raw)
	if extracted == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var content map[string]any
	if err := json.Unmarshal([]byte(extracted), &content); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return content, nil
}
