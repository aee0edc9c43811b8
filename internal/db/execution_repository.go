package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/opsdeck/internal/models"
)

// Execution repository errors.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidExecution  = errors.New("invalid execution")
)

// ExecutionRepository handles execution record persistence.
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository creates a new ExecutionRepository.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution record.
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	if exec.SequenceID == "" {
		return ErrInvalidExecution
	}

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = models.ExecutionStatusRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	} else {
		exec.StartedAt = exec.StartedAt.UTC()
	}

	completedJSON, err := encodeCompletedSteps(exec.CompletedSteps)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, sequence_id, status, started_at, completed_steps_json,
			current_step_id, next_fire_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.SequenceID,
		string(exec.Status),
		ts(exec.StartedAt),
		completedJSON,
		nullIfEmpty(exec.CurrentStepID),
		nullableTS(exec.NextFireAt),
		nullIfEmpty(exec.Error),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	return nil
}

// Update rewrites an execution's runtime state.
func (r *ExecutionRepository) Update(ctx context.Context, exec *models.Execution) error {
	completedJSON, err := encodeCompletedSteps(exec.CompletedSteps)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_steps_json = ?, current_step_id = ?,
			next_fire_at = ?, error_message = ?
		WHERE id = ?
	`,
		string(exec.Status),
		completedJSON,
		nullIfEmpty(exec.CurrentStepID),
		nullableTS(exec.NextFireAt),
		nullIfEmpty(exec.Error),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution rows affected: %w", err)
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// GetBySequence retrieves the execution for a sequence.
func (r *ExecutionRepository) GetBySequence(ctx context.Context, sequenceID string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, status, started_at, completed_steps_json,
			current_step_id, next_fire_at, error_message
		FROM executions WHERE sequence_id = ?
	`, sequenceID)

	return scanExecution(row)
}

// DeleteBySequence removes the execution record for a sequence.
func (r *ExecutionRepository) DeleteBySequence(ctx context.Context, sequenceID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM executions WHERE sequence_id = ?`, sequenceID)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete execution rows affected: %w", err)
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func encodeCompletedSteps(steps []string) (string, error) {
	if steps == nil {
		steps = []string{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshal completed steps: %w", err)
	}
	return string(data), nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.Execution, error) {
	var (
		exec          models.Execution
		status        string
		startedAt     string
		completedJSON string
		currentStepID sql.NullString
		nextFireAt    sql.NullString
		errorMessage  sql.NullString
	)

	if err := scanner.Scan(
		&exec.ID,
		&exec.SequenceID,
		&status,
		&startedAt,
		&completedJSON,
		&currentStepID,
		&nextFireAt,
		&errorMessage,
	); err != nil {
		if isNotFound(err) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	exec.Status = models.ExecutionStatus(status)
	exec.CurrentStepID = currentStepID.String
	exec.Error = errorMessage.String

	var err error
	exec.StartedAt, err = parseTS(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse execution started_at: %w", err)
	}
	if nextFireAt.Valid {
		v, err := parseTS(nextFireAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse execution next_fire_at: %w", err)
		}
		exec.NextFireAt = &v
	}

	if err := json.Unmarshal([]byte(completedJSON), &exec.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decode completed steps: %w", err)
	}

	return &exec, nil
}
