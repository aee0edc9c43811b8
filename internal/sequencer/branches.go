package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/models"
)

// Oracle provides the external facts branch conditions are evaluated
// against: acknowledgment state and the global freeze flag.
type Oracle interface {
	// AckStatus returns how many acknowledgments a broadcast has
	// received and how many recipients were expected.
	AckStatus(broadcastID string) (count, recipientCount int)

	// IsFrozen reports the global exercise freeze flag.
	IsFrozen() bool

	// Forget drops acknowledgment state for a broadcast once every
	// branch depending on it has been decided.
	Forget(broadcastID string)
}

// FiredBranch describes a branch whose condition held.
type FiredBranch struct {
	Sequence     *models.Sequence
	Branch       models.Branch
	ParentStepID string
}

// pendingBranch is an ack-not-received branch waiting for its timeout.
// Pending branches live in memory only: a process restart drops them,
// since only top-level step completion is persisted.
type pendingBranch struct {
	seq          *models.Sequence
	branch       models.Branch
	parentStepID string
	broadcastID  string
	deadline     time.Time
}

// Evaluator decides which branches fire after a step executes and runs
// their nested steps. Branches are not mutually exclusive; each is
// evaluated independently.
type Evaluator struct {
	oracle   Oracle
	executor *Executor
	clock    Clock
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []pendingBranch

	wg sync.WaitGroup
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(oracle Oracle, executor *Executor, clock Clock) *Evaluator {
	if clock == nil {
		clock = SystemClock
	}
	return &Evaluator{
		oracle:   oracle,
		executor: executor,
		clock:    clock,
		logger:   logging.Component("branches"),
	}
}

// EvaluateOnFire evaluates a fired step's branches. Immediate conditions
// are decided now; ack-not-received branches are queued and re-checked
// each tick until their timeout elapses. Nested steps of fired branches
// run in the background, honoring their own delays sequentially.
// sequenceStart is when the current run began; time-elapsed conditions
// measure against it, not against when the sequence was authored.
func (ev *Evaluator) EvaluateOnFire(ctx context.Context, seq *models.Sequence, step *models.Step, broadcastID string, firedAt, sequenceStart time.Time) []FiredBranch {
	var fired []FiredBranch
	queued := false

	for _, branch := range step.Branches {
		switch branch.Condition {
		case models.ConditionAckNotReceived:
			ev.mu.Lock()
			ev.pending = append(ev.pending, pendingBranch{
				seq:          seq,
				branch:       branch,
				parentStepID: step.ID,
				broadcastID:  broadcastID,
				deadline:     firedAt.Add(branch.Timeout()),
			})
			ev.mu.Unlock()
			queued = true

		default:
			if ev.conditionHolds(branch, step, broadcastID, sequenceStart) {
				fired = append(fired, FiredBranch{Sequence: seq, Branch: branch, ParentStepID: step.ID})
				ev.runBranch(ctx, seq, branch)
			}
		}
	}

	// Once every branch is decided the broadcast's ack state is dead.
	if broadcastID != "" && !queued {
		ev.oracle.Forget(broadcastID)
	}

	return fired
}

// CheckPending re-evaluates queued ack-not-received branches. A branch
// fires on the first check at or after its deadline if zero
// acknowledgments exist by then; it is dropped either way once decided.
func (ev *Evaluator) CheckPending(ctx context.Context, now time.Time) []FiredBranch {
	ev.mu.Lock()
	var due []pendingBranch
	remaining := ev.pending[:0]
	for _, p := range ev.pending {
		if now.Before(p.deadline) {
			remaining = append(remaining, p)
			continue
		}
		due = append(due, p)
	}
	ev.pending = remaining
	ev.mu.Unlock()

	var fired []FiredBranch
	for _, p := range due {
		count, _ := ev.oracle.AckStatus(p.broadcastID)
		if count == 0 {
			fired = append(fired, FiredBranch{Sequence: p.seq, Branch: p.branch, ParentStepID: p.parentStepID})
			ev.runBranch(ctx, p.seq, p.branch)
		} else {
			ev.logger.Debug().
				Str("branch_id", p.branch.ID).
				Str("broadcast_id", p.broadcastID).
				Int("acks", count).
				Msg("ack arrived before timeout, branch not fired")
		}
		if !ev.broadcastStillPending(p.broadcastID) {
			ev.oracle.Forget(p.broadcastID)
		}
	}

	return fired
}

// broadcastStillPending reports whether any queued branch still depends
// on the broadcast's acknowledgment state.
func (ev *Evaluator) broadcastStillPending(broadcastID string) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	for _, p := range ev.pending {
		if p.broadcastID == broadcastID {
			return true
		}
	}
	return false
}

// PendingCount returns how many ack-not-received branches are queued.
func (ev *Evaluator) PendingCount() int {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return len(ev.pending)
}

// Wait blocks until all in-flight branch runs finish.
func (ev *Evaluator) Wait() {
	ev.wg.Wait()
}

func (ev *Evaluator) conditionHolds(branch models.Branch, step *models.Step, broadcastID string, sequenceStart time.Time) bool {
	switch branch.Condition {
	case models.ConditionAlways:
		return true

	case models.ConditionAckReceived:
		// Nothing to have acknowledged if the step did not ask for acks.
		if !step.RequiresAck {
			return false
		}
		count, recipientCount := ev.oracle.AckStatus(broadcastID)
		if branch.RequireAllAgents {
			return recipientCount > 0 && count >= recipientCount
		}
		return count >= 1

	case models.ConditionGameFrozen:
		return ev.oracle.IsFrozen()

	case models.ConditionGameUnfrozen:
		return !ev.oracle.IsFrozen()

	case models.ConditionTimeElapsed:
		return ev.clock.Now().Sub(sequenceStart) >= branch.Timeout()

	default:
		ev.logger.Warn().Str("condition", string(branch.Condition)).Msg("unknown branch condition, not fired")
		return false
	}
}

// runBranch executes a branch's nested steps in order as a fire-and-forget
// side effect of the parent step. Branch progress is not persisted; a
// failure or restart abandons the remaining nested steps.
func (ev *Evaluator) runBranch(ctx context.Context, seq *models.Sequence, branch models.Branch) {
	ev.wg.Add(1)
	go func() {
		defer ev.wg.Done()

		for i := range branch.Steps {
			step := branch.Steps[i]
			if err := ev.clock.Sleep(ctx, step.Delay()); err != nil {
				ev.logger.Debug().
					Str("branch_id", branch.ID).
					Str("step_id", step.ID).
					Msg("branch run cancelled")
				return
			}
			if _, err := ev.executor.Execute(ctx, seq, &step); err != nil {
				ev.logger.Error().
					Err(err).
					Str("sequence_id", seq.ID).
					Str("branch_id", branch.ID).
					Str("step_id", step.ID).
					Msg("branch step failed, abandoning remainder of branch")
				return
			}
		}
	}()
}
