package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
)

func TestEventRoundTrip(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := NewEventRepository(testDB)
	event := &models.Event{
		Type:       models.EventTypeSequenceStarted,
		EntityType: models.EntityTypeSequence,
		EntityID:   "seq-1",
		Payload:    json.RawMessage(`{"detail":"x"}`),
	}
	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("create: %v", err)
	}
	if event.ID == "" {
		t.Fatal("event id not assigned")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("timestamp not assigned")
	}

	got, err := repo.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != models.EventTypeSequenceStarted || got.EntityID != "seq-1" {
		t.Errorf("event mismatch: %+v", got)
	}
	if string(got.Payload) != `{"detail":"x"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestEventCreateRejectsIncomplete(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewEventRepository(testDB)
	cases := []*models.Event{
		{EntityType: models.EntityTypeSequence, EntityID: "x"},
		{Type: models.EventTypeSequenceStarted, EntityID: "x"},
		{Type: models.EventTypeSequenceStarted, EntityType: models.EntityTypeSequence},
	}
	for i, event := range cases {
		if err := repo.Create(context.Background(), event); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("case %d: error = %v, want ErrInvalidEvent", i, err)
		}
	}
}

func TestEventGetMissing(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewEventRepository(testDB)
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("error = %v, want ErrEventNotFound", err)
	}
}

func TestEventListByEntityOrderAndLimit(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	repo := NewEventRepository(testDB)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		event := &models.Event{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Type:       models.EventTypeStepFired,
			EntityType: models.EntityTypeExecution,
			EntityID:   "exec-1",
			Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
		if err := repo.Create(ctx, event); err != nil {
			t.Fatal(err)
		}
	}
	other := &models.Event{
		Type:       models.EventTypeStepFired,
		EntityType: models.EntityTypeExecution,
		EntityID:   "exec-2",
	}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	events, err := repo.ListByEntity(ctx, models.EntityTypeExecution, "exec-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Error("events out of timestamp order")
		}
	}

	limited, err := repo.ListByEntity(ctx, models.EntityTypeExecution, "exec-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited events = %d, want 2", len(limited))
	}
}
