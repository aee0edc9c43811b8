package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
)

func createTestExecution(t *testing.T, testDB *DB) (*models.Sequence, *models.Execution) {
	t.Helper()
	ctx := context.Background()

	seq := testSequence("for execution")
	if err := NewSequenceRepository(testDB).Create(ctx, seq); err != nil {
		t.Fatalf("create sequence: %v", err)
	}

	due := time.Date(2026, 5, 1, 12, 0, 5, 0, time.UTC)
	exec := &models.Execution{
		SequenceID:     seq.ID,
		Status:         models.ExecutionStatusRunning,
		StartedAt:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		CompletedSteps: []string{},
		CurrentStepID:  seq.Steps[0].ID,
		NextFireAt:     &due,
	}
	if err := NewExecutionRepository(testDB).Create(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return seq, exec
}

func TestExecutionRoundTrip(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seq, exec := createTestExecution(t, testDB)
	repo := NewExecutionRepository(testDB)

	got, err := repo.GetBySequence(ctx, seq.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != exec.ID || got.SequenceID != seq.ID {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Status != models.ExecutionStatusRunning {
		t.Errorf("status = %s", got.Status)
	}
	if got.CurrentStepID != seq.Steps[0].ID {
		t.Errorf("current step = %s", got.CurrentStepID)
	}
	if got.NextFireAt == nil || !got.NextFireAt.Equal(*exec.NextFireAt) {
		t.Errorf("next fire at = %v", got.NextFireAt)
	}
	if got.CompletedSteps == nil || len(got.CompletedSteps) != 0 {
		t.Errorf("completed steps = %v, want empty slice", got.CompletedSteps)
	}
}

func TestExecutionUpdateProgress(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seq, exec := createTestExecution(t, testDB)
	repo := NewExecutionRepository(testDB)

	exec.CompletedSteps = append(exec.CompletedSteps, seq.Steps[0].ID)
	exec.CurrentStepID = seq.Steps[1].ID
	if err := repo.Update(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.GetBySequence(ctx, seq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.CompletedSteps) != 1 || got.CompletedSteps[0] != seq.Steps[0].ID {
		t.Errorf("completed steps = %v", got.CompletedSteps)
	}

	exec.Status = models.ExecutionStatusFailed
	exec.Error = "broker unavailable"
	exec.CurrentStepID = ""
	exec.NextFireAt = nil
	if err := repo.Update(ctx, exec); err != nil {
		t.Fatal(err)
	}

	got, err = repo.GetBySequence(ctx, seq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ExecutionStatusFailed || got.Error != "broker unavailable" {
		t.Errorf("failure not persisted: %+v", got)
	}
	if got.CurrentStepID != "" || got.NextFireAt != nil {
		t.Error("cleared fields not persisted as null")
	}
}

func TestExecutionRequiresSequenceID(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewExecutionRepository(testDB)
	if err := repo.Create(context.Background(), &models.Execution{}); !errors.Is(err, ErrInvalidExecution) {
		t.Errorf("error = %v, want ErrInvalidExecution", err)
	}
}

func TestExecutionUniquePerSequence(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seq, _ := createTestExecution(t, testDB)
	repo := NewExecutionRepository(testDB)

	second := &models.Execution{
		SequenceID: seq.ID,
		Status:     models.ExecutionStatusRunning,
	}
	if err := repo.Create(ctx, second); err == nil {
		t.Error("second execution for the same sequence accepted")
	}
}

func TestExecutionDeleteBySequence(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seq, _ := createTestExecution(t, testDB)
	repo := NewExecutionRepository(testDB)

	if err := repo.DeleteBySequence(ctx, seq.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetBySequence(ctx, seq.ID); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("error = %v, want ErrExecutionNotFound", err)
	}
	if err := repo.DeleteBySequence(ctx, seq.ID); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("double delete error = %v, want ErrExecutionNotFound", err)
	}
}

func TestExecutionForeignKeyEnforced(t *testing.T) {
	testDB, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewExecutionRepository(testDB)
	exec := &models.Execution{SequenceID: "no-such-sequence"}
	if err := repo.Create(context.Background(), exec); err == nil {
		t.Error("execution accepted for a missing sequence")
	}
}
