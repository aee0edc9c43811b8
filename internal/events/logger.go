// Package events provides helper functions for recording opsdeck audit events.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsdeck/opsdeck/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

// LogSequenceLifecycle records a plain lifecycle transition for a sequence.
func LogSequenceLifecycle(ctx context.Context, repo Repository, eventType models.EventType, sequenceID string) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if sequenceID == "" {
		return fmt.Errorf("sequence id is required")
	}

	event := &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeSequence,
		EntityID:   sequenceID,
	}
	return repo.Create(ctx, event)
}

// LogStepFired records a step firing on an execution.
func LogStepFired(ctx context.Context, repo Repository, executionID string, payload models.StepFiredPayload) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if executionID == "" {
		return fmt.Errorf("execution id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal step fired payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeStepFired,
		EntityType: models.EntityTypeExecution,
		EntityID:   executionID,
		Payload:    data,
	}
	return repo.Create(ctx, event)
}

// LogStepFailed records a step failure on an execution.
func LogStepFailed(ctx context.Context, repo Repository, executionID string, payload models.StepFailedPayload) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if executionID == "" {
		return fmt.Errorf("execution id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal step failed payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeStepFailed,
		EntityType: models.EntityTypeExecution,
		EntityID:   executionID,
		Payload:    data,
	}
	return repo.Create(ctx, event)
}

// LogBranchFired records a branch firing on an execution.
func LogBranchFired(ctx context.Context, repo Repository, executionID string, payload models.BranchFiredPayload) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if executionID == "" {
		return fmt.Errorf("execution id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal branch fired payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeBranchFired,
		EntityType: models.EntityTypeExecution,
		EntityID:   executionID,
		Payload:    data,
	}
	return repo.Create(ctx, event)
}

// LogSequenceRepeated records a repeat cycle starting.
func LogSequenceRepeated(ctx context.Context, repo Repository, sequenceID string, payload models.SequenceRepeatedPayload) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if sequenceID == "" {
		return fmt.Errorf("sequence id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sequence repeated payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeSequenceRepeated,
		EntityType: models.EntityTypeSequence,
		EntityID:   sequenceID,
		Payload:    data,
	}
	return repo.Create(ctx, event)
}

// LogSequenceFailed records a sequence failing with its step context.
func LogSequenceFailed(ctx context.Context, repo Repository, sequenceID string, payload models.SequenceFailedPayload) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if sequenceID == "" {
		return fmt.Errorf("sequence id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sequence failed payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeSequenceFailed,
		EntityType: models.EntityTypeSequence,
		EntityID:   sequenceID,
		Payload:    data,
	}
	return repo.Create(ctx, event)
}
