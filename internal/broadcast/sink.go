// Package broadcast delivers sequencer messages to exercise participants.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/opsdeck/internal/models"
)

// Message is one outbound broadcast handed to a Sink.
// The payload is opaque to the sequencer; its shape belongs to the consumer.
type Message struct {
	Kind        models.ActionKind `json:"kind"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Sender      string            `json:"sender,omitempty"`
	Recipients  []string          `json:"recipients,omitempty"`
	RequiresAck bool              `json:"requires_ack,omitempty"`
	AckTimeout  time.Duration     `json:"-"`
}

// Sink accepts an outbound message and fans it out to recipients.
// Publish returns the broadcast id assigned to the message; errors
// propagate synchronously to the caller.
type Sink interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

type discardSink struct{}

func (discardSink) Publish(_ context.Context, _ Message) (string, error) {
	return uuid.New().String(), nil
}

// Discard returns a sink that accepts every message and delivers nothing.
// Used by CLI commands that manage sequence state without a broker.
func Discard() Sink {
	return discardSink{}
}
