// Package models defines the core data model for the opsdeck sequencer.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies what a step does when it fires.
type ActionKind string

const (
	ActionBroadcast       ActionKind = "broadcast"
	ActionMapAnnotation   ActionKind = "map-annotation"
	ActionDispatchCommand ActionKind = "dispatch-command"
	ActionLaneUpdate      ActionKind = "lane-update"
	ActionScenarioDeploy  ActionKind = "scenario-deploy"
	ActionPatrolRoute     ActionKind = "patrol-route"
	ActionPing            ActionKind = "ping"
	ActionOpsUpdate       ActionKind = "ops-update"
)

// ActionKinds lists every valid action kind.
var ActionKinds = []ActionKind{
	ActionBroadcast,
	ActionMapAnnotation,
	ActionDispatchCommand,
	ActionLaneUpdate,
	ActionScenarioDeploy,
	ActionPatrolRoute,
	ActionPing,
	ActionOpsUpdate,
}

// Valid reports whether the kind is part of the fixed enumeration.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ConditionType identifies when a branch fires.
type ConditionType string

const (
	ConditionAlways         ConditionType = "always"
	ConditionAckReceived    ConditionType = "ack-received"
	ConditionAckNotReceived ConditionType = "ack-not-received"
	ConditionGameFrozen     ConditionType = "game-frozen"
	ConditionGameUnfrozen   ConditionType = "game-unfrozen"
	ConditionTimeElapsed    ConditionType = "time-elapsed"
)

// Valid reports whether the condition type is known.
func (c ConditionType) Valid() bool {
	switch c {
	case ConditionAlways, ConditionAckReceived, ConditionAckNotReceived,
		ConditionGameFrozen, ConditionGameUnfrozen, ConditionTimeElapsed:
		return true
	}
	return false
}

// SequenceStatus is the lifecycle state of a sequence.
type SequenceStatus string

const (
	SequenceStatusDraft     SequenceStatus = "draft"
	SequenceStatusScheduled SequenceStatus = "scheduled"
	SequenceStatusActive    SequenceStatus = "active"
	SequenceStatusPaused    SequenceStatus = "paused"
	SequenceStatusCompleted SequenceStatus = "completed"
	SequenceStatusCancelled SequenceStatus = "cancelled"
)

// Step is one schedulable action within a sequence.
type Step struct {
	// ID is the unique identifier for the step.
	ID string `json:"id"`

	// Kind selects which outbound action the step performs.
	Kind ActionKind `json:"kind"`

	// DelayMs is the delay relative to the previous step's completion,
	// or to sequence start for the first step.
	DelayMs int64 `json:"delay_ms"`

	// Payload is forwarded verbatim to the broadcast sink.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Recipients limits delivery; empty means all current participants.
	Recipients []string `json:"recipients,omitempty"`

	// RequiresAck asks recipients to acknowledge the broadcast.
	RequiresAck bool `json:"requires_ack,omitempty"`

	// AckTimeoutMs bounds how long acknowledgments are awaited.
	AckTimeoutMs int64 `json:"ack_timeout_ms,omitempty"`

	// Branches are evaluated immediately after the step fires.
	Branches []Branch `json:"branches,omitempty"`
}

// Delay returns the step delay as a duration.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

// AckTimeout returns the acknowledgment timeout as a duration.
func (s Step) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutMs) * time.Millisecond
}

// Branch attaches a conditional sub-sequence to a step.
// Branch steps carry no branches of their own; nesting is one level deep.
type Branch struct {
	// ID is the unique identifier for the branch.
	ID string `json:"id"`

	// Condition decides whether the branch fires.
	Condition ConditionType `json:"condition"`

	// RequireAllAgents tightens ack-received to require every recipient.
	RequireAllAgents bool `json:"require_all_agents,omitempty"`

	// TimeoutMs is required for timeout-based conditions.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// Label is a human-readable description shown in the console.
	Label string `json:"label,omitempty"`

	// Steps run in order when the condition holds.
	Steps []Step `json:"steps,omitempty"`
}

// Timeout returns the branch timeout as a duration.
func (b Branch) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// RepeatPolicy restarts a sequence after its last step completes.
type RepeatPolicy struct {
	// Enabled turns repetition on.
	Enabled bool `json:"enabled"`

	// IntervalMs is the pause before the cursor resets to 0.
	IntervalMs int64 `json:"interval_ms"`

	// MaxRepeats caps repeat cycles; 0 means unlimited.
	MaxRepeats int `json:"max_repeats,omitempty"`

	// CurrentRepeat counts completed repeat cycles.
	CurrentRepeat int `json:"current_repeat"`
}

// Interval returns the repeat interval as a duration.
func (r RepeatPolicy) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// Sequence is an author-defined ordered list of steps plus lifecycle metadata.
type Sequence struct {
	// ID is the unique identifier for the sequence.
	ID string `json:"id"`

	// Name is the operator-facing name.
	Name string `json:"name"`

	// Description explains what the sequence does.
	Description string `json:"description,omitempty"`

	// Status is the lifecycle state.
	Status SequenceStatus `json:"status"`

	// CreatedBy is the author; used as the sender on outbound broadcasts.
	CreatedBy string `json:"created_by"`

	// CreatedAt is when the sequence was created.
	CreatedAt time.Time `json:"created_at"`

	// ScheduledAt defers start until the poller observes the time has passed.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// Steps is the ordered list of actions.
	Steps []Step `json:"steps"`

	// Cursor is the index of the next step to execute, in [0, len(Steps)].
	Cursor int `json:"cursor"`

	// Repeat restarts the sequence when it is exhausted.
	Repeat *RepeatPolicy `json:"repeat,omitempty"`
}

// Validate checks the sequence definition before it is accepted.
func (s *Sequence) Validate() error {
	validation := &ValidationErrors{}

	if s.Name == "" {
		validation.AddMessage("name", "sequence name is required")
	}
	if s.Cursor < 0 || s.Cursor > len(s.Steps) {
		validation.AddMessage("cursor", fmt.Sprintf("cursor %d out of range [0, %d]", s.Cursor, len(s.Steps)))
	}
	if s.Repeat != nil && s.Repeat.Enabled {
		if s.Repeat.IntervalMs <= 0 {
			validation.AddMessage("repeat.interval_ms", "repeat interval must be positive")
		}
		if s.Repeat.MaxRepeats < 0 {
			validation.AddMessage("repeat.max_repeats", "max repeats cannot be negative")
		}
	}

	for i := range s.Steps {
		validateStep(validation, fmt.Sprintf("steps[%d]", i), &s.Steps[i], true)
	}

	return validation.Err()
}

func validateStep(validation *ValidationErrors, field string, step *Step, allowBranches bool) {
	if !step.Kind.Valid() {
		validation.AddMessage(field+".kind", fmt.Sprintf("unknown action kind %q", step.Kind))
	}
	if step.DelayMs < 0 {
		validation.AddMessage(field+".delay_ms", "delay cannot be negative")
	}
	if !step.RequiresAck && step.AckTimeoutMs > 0 {
		validation.AddMessage(field+".ack_timeout_ms", "ack timeout requires requires_ack")
	}
	if step.AckTimeoutMs < 0 {
		validation.AddMessage(field+".ack_timeout_ms", "ack timeout cannot be negative")
	}

	if len(step.Branches) > 0 && !allowBranches {
		validation.AddMessage(field+".branches", "branch steps cannot carry further branches")
		return
	}

	for i := range step.Branches {
		branch := &step.Branches[i]
		branchField := fmt.Sprintf("%s.branches[%d]", field, i)

		if !branch.Condition.Valid() {
			validation.AddMessage(branchField+".condition", fmt.Sprintf("unknown condition %q", branch.Condition))
		}
		switch branch.Condition {
		case ConditionAckNotReceived, ConditionTimeElapsed:
			if branch.TimeoutMs <= 0 {
				validation.AddMessage(branchField+".timeout_ms", "timeout-based conditions require a positive timeout")
			}
		}
		for j := range branch.Steps {
			validateStep(validation, fmt.Sprintf("%s.steps[%d]", branchField, j), &branch.Steps[j], false)
		}
	}
}

// AssignIDs fills in missing step and branch identifiers.
func (s *Sequence) AssignIDs() {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	for i := range s.Steps {
		assignStepIDs(&s.Steps[i])
	}
}

func assignStepIDs(step *Step) {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	for i := range step.Branches {
		if step.Branches[i].ID == "" {
			step.Branches[i].ID = uuid.New().String()
		}
		for j := range step.Branches[i].Steps {
			assignStepIDs(&step.Branches[i].Steps[j])
		}
	}
}

// DeepCopy clones the sequence into a fresh draft with new identifiers.
// Execution state (cursor, repeat progress, schedule) is not copied.
func (s *Sequence) DeepCopy(newName string) *Sequence {
	dup := &Sequence{
		ID:          uuid.New().String(),
		Name:        newName,
		Description: s.Description,
		Status:      SequenceStatusDraft,
		CreatedBy:   s.CreatedBy,
		CreatedAt:   time.Now().UTC(),
		Steps:       make([]Step, len(s.Steps)),
	}
	for i := range s.Steps {
		dup.Steps[i] = copyStep(s.Steps[i])
	}
	if s.Repeat != nil {
		dup.Repeat = &RepeatPolicy{
			Enabled:    s.Repeat.Enabled,
			IntervalMs: s.Repeat.IntervalMs,
			MaxRepeats: s.Repeat.MaxRepeats,
		}
	}
	return dup
}

func copyStep(step Step) Step {
	out := step
	out.ID = uuid.New().String()
	if step.Payload != nil {
		out.Payload = append(json.RawMessage(nil), step.Payload...)
	}
	if step.Recipients != nil {
		out.Recipients = append([]string(nil), step.Recipients...)
	}
	out.Branches = make([]Branch, len(step.Branches))
	for i, branch := range step.Branches {
		copied := branch
		copied.ID = uuid.New().String()
		copied.Steps = make([]Step, len(branch.Steps))
		for j, nested := range branch.Steps {
			copied.Steps[j] = copyStep(nested)
		}
		out.Branches[i] = copied
	}
	if len(step.Branches) == 0 {
		out.Branches = nil
	}
	return out
}

// StepByID returns the top-level step with the given id, or nil.
func (s *Sequence) StepByID(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}
