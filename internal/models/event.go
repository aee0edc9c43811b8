package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes audit events in the system.
type EventType string

const (
	// Sequence lifecycle events
	EventTypeSequenceCreated   EventType = "sequence.created"
	EventTypeSequenceScheduled EventType = "sequence.scheduled"
	EventTypeSequenceStarted   EventType = "sequence.started"
	EventTypeSequencePaused    EventType = "sequence.paused"
	EventTypeSequenceResumed   EventType = "sequence.resumed"
	EventTypeSequenceRepeated  EventType = "sequence.repeated"
	EventTypeSequenceCompleted EventType = "sequence.completed"
	EventTypeSequenceCancelled EventType = "sequence.cancelled"
	EventTypeSequenceFailed    EventType = "sequence.failed"

	// Step events
	EventTypeStepFired  EventType = "step.fired"
	EventTypeStepFailed EventType = "step.failed"

	// Branch events
	EventTypeBranchFired EventType = "branch.fired"

	// System events
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeSequence  EntityType = "sequence"
	EntityTypeExecution EntityType = "execution"
	EntityTypeSystem    EntityType = "system"
)

// Event represents an append-only audit log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// StepFiredPayload is the payload for step.fired events.
type StepFiredPayload struct {
	StepID      string     `json:"step_id"`
	Kind        ActionKind `json:"kind"`
	BroadcastID string     `json:"broadcast_id,omitempty"`
	Cursor      int        `json:"cursor"`
}

// StepFailedPayload is the payload for step.failed events.
type StepFailedPayload struct {
	StepID string     `json:"step_id"`
	Kind   ActionKind `json:"kind"`
	Error  string     `json:"error"`
}

// BranchFiredPayload is the payload for branch.fired events.
type BranchFiredPayload struct {
	BranchID     string        `json:"branch_id"`
	ParentStepID string        `json:"parent_step_id"`
	Condition    ConditionType `json:"condition"`
	StepCount    int           `json:"step_count"`
}

// SequenceRepeatedPayload is the payload for sequence.repeated events.
type SequenceRepeatedPayload struct {
	Repeat     int `json:"repeat"`
	MaxRepeats int `json:"max_repeats"`
}

// SequenceFailedPayload is the payload for sequence.failed events.
type SequenceFailedPayload struct {
	StepID string `json:"step_id,omitempty"`
	Error  string `json:"error"`
}
