package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsdeck/opsdeck/internal/db"
	"github.com/opsdeck/opsdeck/internal/events"
	"github.com/opsdeck/opsdeck/internal/models"
)

// TickResult summarizes what one tick did.
type TickResult struct {
	StepsFired      int
	BranchesFired   int
	SequencesFailed int
	Promoted        int
}

// Tick performs one scheduling cycle: promote due scheduled sequences,
// fire every active sequence whose pending step is due, then re-check
// pending ack branches. One sequence's failure never stops the tick
// from servicing the others.
func (s *Service) Tick(ctx context.Context) TickResult {
	now := s.clock.Now()
	var result TickResult

	// Promote scheduled sequences whose start time has passed.
	scheduled := models.SequenceStatusScheduled
	pending, err := s.sequences.List(ctx, &scheduled)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list scheduled sequences")
	} else {
		for _, seq := range pending {
			if seq.ScheduledAt == nil || now.Before(*seq.ScheduledAt) {
				continue
			}
			if err := s.startSequence(ctx, seq); err != nil {
				s.logger.Error().Err(err).Str("sequence_id", seq.ID).Msg("failed to promote scheduled sequence")
				continue
			}
			result.Promoted++
		}
	}

	// Fire due steps of active sequences.
	active := models.SequenceStatusActive
	running, err := s.sequences.List(ctx, &active)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list active sequences")
	} else {
		for _, seq := range running {
			fired, branches, err := s.advance(ctx, seq)
			if err != nil {
				result.SequencesFailed++
				s.logger.Error().Err(err).Str("sequence_id", seq.ID).Msg("sequence advance failed")
				continue
			}
			result.StepsFired += fired
			result.BranchesFired += branches
		}
	}

	// Decide queued ack-not-received branches whose timeout elapsed.
	for _, fb := range s.evaluator.CheckPending(ctx, now) {
		result.BranchesFired++
		s.recordBranchFired(ctx, fb)
	}

	return result
}

// advance fires the pending step of one active sequence if it is due.
// Progress is persisted before the step could be selected again: the
// execution record is updated with the advanced cursor state in the
// same pass that produced the side effect.
func (s *Service) advance(ctx context.Context, seq *models.Sequence) (stepsFired, branchesFired int, err error) {
	exec, err := s.executions.GetBySequence(ctx, seq.ID)
	if err != nil {
		if errors.Is(err, db.ErrExecutionNotFound) {
			// Active sequence without an execution record; unrecoverable.
			return 0, 0, s.failSequence(ctx, seq, nil, "", fmt.Errorf("execution record missing"))
		}
		return 0, 0, err
	}

	if exec.Status != models.ExecutionStatusRunning {
		return 0, 0, nil
	}

	now := s.clock.Now()
	if exec.NextFireAt == nil || now.Before(*exec.NextFireAt) {
		return 0, 0, nil
	}

	if seq.Cursor >= len(seq.Steps) {
		return 0, 0, s.failSequence(ctx, seq, exec, "", fmt.Errorf("cursor %d beyond last step", seq.Cursor))
	}
	step := &seq.Steps[seq.Cursor]
	if exec.CurrentStepID != "" && exec.CurrentStepID != step.ID {
		return 0, 0, s.failSequence(ctx, seq, exec, step.ID, fmt.Errorf("cursor/step mismatch: cursor %d points at %s, execution expects %s", seq.Cursor, step.ID, exec.CurrentStepID))
	}

	broadcastID, execErr := s.executor.Execute(ctx, seq, step)
	if execErr != nil {
		// A failed step is never retried or skipped; the operator must
		// inspect, fix, and restart from a fresh draft.
		if logErr := events.LogStepFailed(ctx, s.events, exec.ID, models.StepFailedPayload{
			StepID: step.ID,
			Kind:   step.Kind,
			Error:  execErr.Error(),
		}); logErr != nil {
			s.logger.Warn().Err(logErr).Msg("failed to record step failure event")
		}
		return 0, 0, s.failSequence(ctx, seq, exec, step.ID, execErr)
	}
	stepsFired = 1

	for _, fb := range s.evaluator.EvaluateOnFire(ctx, seq, step, broadcastID, now, exec.StartedAt) {
		branchesFired++
		s.recordBranchFired(ctx, fb)
	}

	exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
	seq.Cursor++

	switch {
	case seq.Cursor < len(seq.Steps):
		next := seq.Steps[seq.Cursor]
		due := now.Add(next.Delay())
		exec.CurrentStepID = next.ID
		exec.NextFireAt = &due

	case seq.Repeat != nil && seq.Repeat.Enabled &&
		(seq.Repeat.MaxRepeats == 0 || seq.Repeat.CurrentRepeat < seq.Repeat.MaxRepeats):
		seq.Repeat.CurrentRepeat++
		seq.Cursor = 0
		due := now.Add(seq.Repeat.Interval())
		exec.CompletedSteps = []string{}
		exec.CurrentStepID = seq.Steps[0].ID
		exec.NextFireAt = &due
		if err := events.LogSequenceRepeated(ctx, s.events, seq.ID, models.SequenceRepeatedPayload{
			Repeat:     seq.Repeat.CurrentRepeat,
			MaxRepeats: seq.Repeat.MaxRepeats,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record repeat event")
		}

	default:
		exec.Status = models.ExecutionStatusCompleted
		exec.CurrentStepID = ""
		exec.NextFireAt = nil
		seq.Status = models.SequenceStatusCompleted
	}

	// Persist the execution first: once the broadcast is out, the cursor
	// must move before this step could be selected again. A persistence
	// failure here risks a duplicate broadcast, so the sequence is
	// failed loudly instead of retried.
	if err := s.executions.Update(ctx, exec); err != nil {
		s.logger.Error().Err(err).
			Str("sequence_id", seq.ID).
			Str("step_id", step.ID).
			Msg("PERSISTENCE FAILURE after broadcast went out; failing sequence to avoid re-firing")
		return stepsFired, branchesFired, s.failSequence(ctx, seq, exec, step.ID, fmt.Errorf("%w: %v", ErrPersistenceFailure, err))
	}
	if err := s.sequences.Update(ctx, seq); err != nil {
		s.logger.Error().Err(err).
			Str("sequence_id", seq.ID).
			Msg("PERSISTENCE FAILURE updating sequence cursor; failing sequence to avoid re-firing")
		return stepsFired, branchesFired, s.failSequence(ctx, seq, exec, step.ID, fmt.Errorf("%w: %v", ErrPersistenceFailure, err))
	}

	if err := events.LogStepFired(ctx, s.events, exec.ID, models.StepFiredPayload{
		StepID:      step.ID,
		Kind:        step.Kind,
		BroadcastID: broadcastID,
		Cursor:      seq.Cursor,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record step fired event")
	}
	if seq.Status == models.SequenceStatusCompleted {
		s.recordLifecycle(ctx, models.EventTypeSequenceCompleted, seq.ID)
		s.logger.Info().
			Str("sequence_id", seq.ID).
			Int("steps", len(exec.CompletedSteps)).
			Msg("sequence completed")
	}

	return stepsFired, branchesFired, nil
}

// failSequence records the error on the execution, cancels the owning
// sequence, and reports the failure. exec may be nil if no record exists.
func (s *Service) failSequence(ctx context.Context, seq *models.Sequence, exec *models.Execution, stepID string, cause error) error {
	if exec != nil {
		exec.Status = models.ExecutionStatusFailed
		exec.Error = cause.Error()
		exec.CurrentStepID = ""
		exec.NextFireAt = nil
		if err := s.executions.Update(ctx, exec); err != nil {
			s.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to persist execution failure")
		}
	}

	seq.Status = models.SequenceStatusCancelled
	if err := s.sequences.Update(ctx, seq); err != nil {
		s.logger.Error().Err(err).Str("sequence_id", seq.ID).Msg("failed to persist sequence cancellation")
	}

	if err := events.LogSequenceFailed(ctx, s.events, seq.ID, models.SequenceFailedPayload{
		StepID: stepID,
		Error:  cause.Error(),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record sequence failure event")
	}

	s.logger.Error().
		Err(cause).
		Str("sequence_id", seq.ID).
		Str("step_id", stepID).
		Msg("sequence failed and was cancelled")

	return fmt.Errorf("sequence %s failed: %w", seq.ID, cause)
}

func (s *Service) recordBranchFired(ctx context.Context, fb FiredBranch) {
	exec, err := s.executions.GetBySequence(ctx, fb.Sequence.ID)
	if err != nil {
		s.logger.Debug().Str("sequence_id", fb.Sequence.ID).Msg("branch fired for sequence without execution record")
		return
	}
	if err := events.LogBranchFired(ctx, s.events, exec.ID, models.BranchFiredPayload{
		BranchID:     fb.Branch.ID,
		ParentStepID: fb.ParentStepID,
		Condition:    fb.Branch.Condition,
		StepCount:    len(fb.Branch.Steps),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record branch fired event")
	}
}
