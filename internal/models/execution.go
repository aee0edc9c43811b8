package models

import (
	"time"
)

// ExecutionStatus is the runtime state of one sequence run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution records runtime progress for one active run of a sequence.
// There is at most one execution per sequence at a time; re-running a
// completed sequence creates a new execution.
type Execution struct {
	// ID is the unique identifier for the execution.
	ID string `json:"id"`

	// SequenceID is the sequence this execution belongs to.
	SequenceID string `json:"sequence_id"`

	// Status is the runtime state.
	Status ExecutionStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedSteps lists fired step ids in cursor order. Append-only
	// within a run; cleared only by a repeat cycle.
	CompletedSteps []string `json:"completed_steps"`

	// CurrentStepID is the step pending execution. Empty iff the
	// execution is completed or failed.
	CurrentStepID string `json:"current_step_id,omitempty"`

	// NextFireAt is when the pending step becomes due.
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`

	// Error holds the failure detail when Status is failed.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the execution has finished.
func (e *Execution) Terminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// HasCompleted reports whether the step already fired in this run.
func (e *Execution) HasCompleted(stepID string) bool {
	for _, id := range e.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}
