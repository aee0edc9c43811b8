package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opsdeck/opsdeck/internal/models"
)

type captureRepo struct {
	events []*models.Event
	err    error
}

func (r *captureRepo) Create(_ context.Context, event *models.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func TestLogSequenceLifecycle(t *testing.T) {
	repo := &captureRepo{}

	err := LogSequenceLifecycle(context.Background(), repo, models.EventTypeSequenceStarted, "seq-1")
	if err != nil {
		t.Fatalf("LogSequenceLifecycle failed: %v", err)
	}

	if len(repo.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(repo.events))
	}
	ev := repo.events[0]
	if ev.Type != models.EventTypeSequenceStarted {
		t.Errorf("expected type sequence.started, got %s", ev.Type)
	}
	if ev.EntityType != models.EntityTypeSequence {
		t.Errorf("expected entity type sequence, got %s", ev.EntityType)
	}
	if ev.EntityID != "seq-1" {
		t.Errorf("expected entity id seq-1, got %s", ev.EntityID)
	}
}

func TestLogSequenceLifecycleRequiresID(t *testing.T) {
	repo := &captureRepo{}

	if err := LogSequenceLifecycle(context.Background(), repo, models.EventTypeSequenceStarted, ""); err == nil {
		t.Error("expected error for empty sequence id")
	}
	if err := LogSequenceLifecycle(context.Background(), nil, models.EventTypeSequenceStarted, "seq-1"); err == nil {
		t.Error("expected error for nil repository")
	}
	if len(repo.events) != 0 {
		t.Errorf("expected no events recorded, got %d", len(repo.events))
	}
}

func TestLogStepFiredRecordsPayload(t *testing.T) {
	repo := &captureRepo{}

	payload := models.StepFiredPayload{
		StepID:      "step-1",
		Kind:        models.ActionBroadcast,
		BroadcastID: "bcast-1",
		Cursor:      2,
	}
	if err := LogStepFired(context.Background(), repo, "exec-1", payload); err != nil {
		t.Fatalf("LogStepFired failed: %v", err)
	}

	if len(repo.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(repo.events))
	}
	ev := repo.events[0]
	if ev.Type != models.EventTypeStepFired {
		t.Errorf("expected type step.fired, got %s", ev.Type)
	}
	if ev.EntityType != models.EntityTypeExecution {
		t.Errorf("expected entity type execution, got %s", ev.EntityType)
	}

	var got models.StepFiredPayload
	if err := json.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.StepID != "step-1" || got.BroadcastID != "bcast-1" || got.Cursor != 2 {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestLogSequenceFailedRecordsError(t *testing.T) {
	repo := &captureRepo{}

	payload := models.SequenceFailedPayload{StepID: "step-3", Error: "broker unreachable"}
	if err := LogSequenceFailed(context.Background(), repo, "seq-1", payload); err != nil {
		t.Fatalf("LogSequenceFailed failed: %v", err)
	}

	ev := repo.events[0]
	if ev.Type != models.EventTypeSequenceFailed {
		t.Errorf("expected type sequence.failed, got %s", ev.Type)
	}

	var got models.SequenceFailedPayload
	if err := json.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Error != "broker unreachable" {
		t.Errorf("expected error message preserved, got %q", got.Error)
	}
}
