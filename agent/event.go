package agent

import "time"

// EventType discriminates the progress event union.
type EventType string

const (
	EventStepStart             EventType = "step_start"
	EventStepThought           EventType = "step_thought"
	EventStepComplete          EventType = "step_complete"
	EventStepFailed            EventType = "step_failed"
	EventPlanReady             EventType = "plan_ready"
	EventApplying              EventType = "applying"
	EventArtifactUpdated       EventType = "artifact_updated"
	EventOrchestrationComplete EventType = "orchestration_complete"
	EventOrchestrationFailed   EventType = "orchestration_failed"
	EventError                 EventType = "error"
)

// Event is one progress event in a generation or refinement run.
// Events are append-only and replayed in emission order to late subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent constructs an event stamped with the current time.
func NewEvent(eventType EventType, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
