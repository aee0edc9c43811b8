// Package sequencer executes ordered lists of timed actions against a
// live exercise, surviving process restarts and making forward progress
// purely from polling.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/db"
	"github.com/opsdeck/opsdeck/internal/events"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/models"
)

// Service is the sequence engine: it owns sequence lifecycle operations
// and the per-tick advancement of active executions.
type Service struct {
	sequences  *db.SequenceRepository
	executions *db.ExecutionRepository
	events     *db.EventRepository
	executor   *Executor
	evaluator  *Evaluator
	clock      Clock
	logger     zerolog.Logger
}

// NewService creates a Service. clock may be nil for the system clock.
func NewService(sequences *db.SequenceRepository, executions *db.ExecutionRepository, eventRepo *db.EventRepository, executor *Executor, evaluator *Evaluator, clock Clock) *Service {
	if clock == nil {
		clock = SystemClock
	}
	return &Service{
		sequences:  sequences,
		executions: executions,
		events:     eventRepo,
		executor:   executor,
		evaluator:  evaluator,
		clock:      clock,
		logger:     logging.Component("sequencer"),
	}
}

// CreateSequence validates and persists a new draft sequence.
// The definition is validated here, not at fire time.
func (s *Service) CreateSequence(ctx context.Context, seq *models.Sequence) (*models.Sequence, error) {
	seq.Status = models.SequenceStatusDraft
	seq.Cursor = 0
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = s.clock.Now()
	}

	if err := seq.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	seq.AssignIDs()

	if err := s.sequences.Create(ctx, seq); err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequenceCreated, seq.ID)
	s.logger.Info().Str("sequence_id", seq.ID).Str("name", seq.Name).Int("steps", len(seq.Steps)).Msg("sequence created")
	return seq, nil
}

// GetSequence retrieves a sequence by id.
func (s *Service) GetSequence(ctx context.Context, sequenceID string) (*models.Sequence, error) {
	seq, err := s.sequences.Get(ctx, sequenceID)
	if err != nil {
		if errors.Is(err, db.ErrSequenceNotFound) {
			return nil, ErrSequenceNotFound
		}
		return nil, err
	}
	return seq, nil
}

// ListSequences retrieves all sequences.
func (s *Service) ListSequences(ctx context.Context) ([]*models.Sequence, error) {
	return s.sequences.List(ctx, nil)
}

// GetExecution retrieves the execution record for a sequence, or
// ErrExecutionNotFound if none exists (e.g. after cancel).
func (s *Service) GetExecution(ctx context.Context, sequenceID string) (*models.Execution, error) {
	exec, err := s.executions.GetBySequence(ctx, sequenceID)
	if err != nil {
		if errors.Is(err, db.ErrExecutionNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

// ListEvents returns the most recent audit events for a sequence.
func (s *Service) ListEvents(ctx context.Context, sequenceID string, limit int) ([]*models.Event, error) {
	return s.events.ListByEntity(ctx, models.EntityTypeSequence, sequenceID, limit)
}

// Start activates a sequence and creates a fresh execution. Starting an
// already active or paused sequence is an error; the operator must
// pause/cancel first. Re-running a completed sequence creates a new
// execution in place of the old record.
func (s *Service) Start(ctx context.Context, sequenceID string) error {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}

	switch seq.Status {
	case models.SequenceStatusActive, models.SequenceStatusPaused:
		return ErrAlreadyRunning
	}

	return s.startSequence(ctx, seq)
}

// startSequence performs the actual activation. The caller has already
// checked the sequence is startable.
func (s *Service) startSequence(ctx context.Context, seq *models.Sequence) error {
	// Drop any execution record left by a previous run.
	if err := s.executions.DeleteBySequence(ctx, seq.ID); err != nil && !errors.Is(err, db.ErrExecutionNotFound) {
		return fmt.Errorf("%w: clear stale execution: %v", ErrPersistenceFailure, err)
	}

	now := s.clock.Now()
	seq.Cursor = 0
	seq.ScheduledAt = nil
	if seq.Repeat != nil {
		seq.Repeat.CurrentRepeat = 0
	}

	exec := &models.Execution{
		SequenceID:     seq.ID,
		StartedAt:      now,
		CompletedSteps: []string{},
	}

	if len(seq.Steps) == 0 {
		// Nothing to run; the sequence completes immediately.
		exec.Status = models.ExecutionStatusCompleted
		seq.Status = models.SequenceStatusCompleted
	} else {
		first := seq.Steps[0]
		due := now.Add(first.Delay())
		exec.Status = models.ExecutionStatusRunning
		exec.CurrentStepID = first.ID
		exec.NextFireAt = &due
		seq.Status = models.SequenceStatusActive
	}

	if err := s.executions.Create(ctx, exec); err != nil {
		return fmt.Errorf("%w: create execution: %v", ErrPersistenceFailure, err)
	}
	if err := s.sequences.Update(ctx, seq); err != nil {
		return fmt.Errorf("%w: update sequence: %v", ErrPersistenceFailure, err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequenceStarted, seq.ID)
	if seq.Status == models.SequenceStatusCompleted {
		s.recordLifecycle(ctx, models.EventTypeSequenceCompleted, seq.ID)
	}
	s.logger.Info().
		Str("sequence_id", seq.ID).
		Str("execution_id", exec.ID).
		Int("steps", len(seq.Steps)).
		Msg("sequence started")
	return nil
}

// Pause suspends an active sequence. Cursor and due-time math are left
// untouched; the next step fires on the first tick after resume.
func (s *Service) Pause(ctx context.Context, sequenceID string) error {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	if seq.Status != models.SequenceStatusActive {
		return ErrNotActive
	}

	exec, err := s.GetExecution(ctx, sequenceID)
	if err != nil {
		return err
	}

	exec.Status = models.ExecutionStatusPaused
	seq.Status = models.SequenceStatusPaused
	if err := s.executions.Update(ctx, exec); err != nil {
		return fmt.Errorf("%w: update execution: %v", ErrPersistenceFailure, err)
	}
	if err := s.sequences.Update(ctx, seq); err != nil {
		return fmt.Errorf("%w: update sequence: %v", ErrPersistenceFailure, err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequencePaused, seq.ID)
	s.logger.Info().Str("sequence_id", seq.ID).Msg("sequence paused")
	return nil
}

// Resume reactivates a paused sequence.
func (s *Service) Resume(ctx context.Context, sequenceID string) error {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	if seq.Status != models.SequenceStatusPaused {
		return ErrNotPaused
	}

	exec, err := s.GetExecution(ctx, sequenceID)
	if err != nil {
		return err
	}

	exec.Status = models.ExecutionStatusRunning
	seq.Status = models.SequenceStatusActive
	if err := s.executions.Update(ctx, exec); err != nil {
		return fmt.Errorf("%w: update execution: %v", ErrPersistenceFailure, err)
	}
	if err := s.sequences.Update(ctx, seq); err != nil {
		return fmt.Errorf("%w: update sequence: %v", ErrPersistenceFailure, err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequenceResumed, seq.ID)
	s.logger.Info().Str("sequence_id", seq.ID).Msg("sequence resumed")
	return nil
}

// Cancel stops a sequence and deletes its execution record. The
// sequence remains for inspection and duplication but cannot be resumed.
func (s *Service) Cancel(ctx context.Context, sequenceID string) error {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}

	switch seq.Status {
	case models.SequenceStatusActive, models.SequenceStatusPaused, models.SequenceStatusScheduled:
	default:
		return ErrNotActive
	}

	seq.Status = models.SequenceStatusCancelled
	seq.ScheduledAt = nil
	if err := s.sequences.Update(ctx, seq); err != nil {
		return fmt.Errorf("%w: update sequence: %v", ErrPersistenceFailure, err)
	}
	if err := s.executions.DeleteBySequence(ctx, sequenceID); err != nil && !errors.Is(err, db.ErrExecutionNotFound) {
		return fmt.Errorf("%w: delete execution: %v", ErrPersistenceFailure, err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequenceCancelled, seq.ID)
	s.logger.Info().Str("sequence_id", seq.ID).Msg("sequence cancelled")
	return nil
}

// Duplicate deep-copies a sequence into a new draft with fresh step and
// branch identifiers. Execution state is not copied.
func (s *Service) Duplicate(ctx context.Context, sequenceID, newName string) (*models.Sequence, error) {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(newName) == "" {
		newName = seq.Name + " (copy)"
	}

	dup := seq.DeepCopy(newName)
	dup.CreatedAt = s.clock.Now()
	if err := s.sequences.Create(ctx, dup); err != nil {
		return nil, fmt.Errorf("duplicate sequence: %w", err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequenceCreated, dup.ID)
	s.logger.Info().Str("sequence_id", seq.ID).Str("duplicate_id", dup.ID).Msg("sequence duplicated")
	return dup, nil
}

// Schedule defers a draft sequence's start until the poller observes
// startAt has passed. Re-scheduling a scheduled sequence moves the time.
func (s *Service) Schedule(ctx context.Context, sequenceID string, startAt time.Time) error {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}

	switch seq.Status {
	case models.SequenceStatusDraft, models.SequenceStatusScheduled:
	case models.SequenceStatusActive, models.SequenceStatusPaused:
		return ErrAlreadyRunning
	default:
		return ErrNotSchedulable
	}

	startAt = startAt.UTC()
	seq.Status = models.SequenceStatusScheduled
	seq.ScheduledAt = &startAt
	if err := s.sequences.Update(ctx, seq); err != nil {
		return fmt.Errorf("%w: update sequence: %v", ErrPersistenceFailure, err)
	}

	s.recordLifecycle(ctx, models.EventTypeSequenceScheduled, seq.ID)
	s.logger.Info().Str("sequence_id", seq.ID).Time("start_at", startAt).Msg("sequence scheduled")
	return nil
}

// Wait blocks until in-flight branch runs finish. Used on shutdown.
func (s *Service) Wait() {
	s.evaluator.Wait()
}

// recordLifecycle writes an audit event; failures are logged, never fatal.
func (s *Service) recordLifecycle(ctx context.Context, eventType models.EventType, sequenceID string) {
	if err := events.LogSequenceLifecycle(ctx, s.events, eventType, sequenceID); err != nil {
		s.logger.Warn().Err(err).Str("sequence_id", sequenceID).Str("event", string(eventType)).Msg("failed to record audit event")
	}
}
