package sequencer

import "errors"

// Sequencer errors.
var (
	ErrSequenceNotFound  = errors.New("sequence not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrAlreadyRunning    = errors.New("sequence already running")
	ErrNotActive         = errors.New("sequence is not active")
	ErrNotPaused         = errors.New("sequence is not paused")
	ErrNotSchedulable    = errors.New("sequence cannot be scheduled")
	ErrInvalidDefinition = errors.New("invalid sequence definition")
	ErrUnknownActionKind = errors.New("unknown action kind")
	ErrSinkFailure       = errors.New("broadcast sink failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)
