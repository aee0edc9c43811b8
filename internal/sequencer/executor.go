package sequencer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/models"
)

// AckRegistrar is notified when an ack-requiring broadcast goes out so
// acknowledgment counts can be tracked against the expected recipients.
// A recipientCount of zero means the step addressed all current
// participants; the registrar resolves the expectation from its roster.
type AckRegistrar interface {
	RegisterBroadcast(broadcastID string, recipientCount int)
}

// Executor turns one step into a single call on the broadcast sink.
// The payload is forwarded verbatim; the executor never inspects it.
type Executor struct {
	sink      broadcast.Sink
	registrar AckRegistrar
	logger    zerolog.Logger
}

// NewExecutor creates an Executor. registrar may be nil.
func NewExecutor(sink broadcast.Sink, registrar AckRegistrar) *Executor {
	return &Executor{
		sink:      sink,
		registrar: registrar,
		logger:    logging.Component("executor"),
	}
}

// Execute fires one step on behalf of its owning sequence and returns
// the broadcast id the sink assigned. Every action kind maps to exactly
// one publish call; an unrecognized kind is a reported error.
func (e *Executor) Execute(ctx context.Context, seq *models.Sequence, step *models.Step) (string, error) {
	switch step.Kind {
	case models.ActionBroadcast,
		models.ActionMapAnnotation,
		models.ActionDispatchCommand,
		models.ActionLaneUpdate,
		models.ActionScenarioDeploy,
		models.ActionPatrolRoute,
		models.ActionPing,
		models.ActionOpsUpdate:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownActionKind, step.Kind)
	}

	msg := broadcast.Message{
		Kind:        step.Kind,
		Payload:     step.Payload,
		Sender:      seq.CreatedBy,
		Recipients:  step.Recipients,
		RequiresAck: step.RequiresAck,
		AckTimeout:  step.AckTimeout(),
	}

	broadcastID, err := e.sink.Publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("%w: step %s (%s): %v", ErrSinkFailure, step.ID, step.Kind, err)
	}

	if step.RequiresAck && e.registrar != nil {
		e.registrar.RegisterBroadcast(broadcastID, len(step.Recipients))
	}

	e.logger.Debug().
		Str("sequence_id", seq.ID).
		Str("step_id", step.ID).
		Str("kind", string(step.Kind)).
		Str("broadcast_id", broadcastID).
		Msg("step executed")

	return broadcastID, nil
}
