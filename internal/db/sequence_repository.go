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

// Sequence repository errors.
var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrInvalidSequence  = errors.New("invalid sequence")
)

// SequenceRepository handles sequence persistence.
type SequenceRepository struct {
	db *DB
}

// NewSequenceRepository creates a new SequenceRepository.
func NewSequenceRepository(db *DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Create inserts a new sequence.
func (r *SequenceRepository) Create(ctx context.Context, seq *models.Sequence) error {
	if seq.Name == "" {
		return ErrInvalidSequence
	}

	if seq.ID == "" {
		seq.ID = uuid.New().String()
	}
	if seq.Status == "" {
		seq.Status = models.SequenceStatusDraft
	}
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now().UTC()
	} else {
		seq.CreatedAt = seq.CreatedAt.UTC()
	}

	stepsJSON, repeatJSON, err := encodeSequenceDocs(seq)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sequences (
			id, name, description, status, created_by, created_at,
			scheduled_at, cursor, steps_json, repeat_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq.ID,
		seq.Name,
		nullIfEmpty(seq.Description),
		string(seq.Status),
		nullIfEmpty(seq.CreatedBy),
		ts(seq.CreatedAt),
		nullableTS(seq.ScheduledAt),
		seq.Cursor,
		stepsJSON,
		repeatJSON,
	)
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}

	return nil
}

// Update rewrites a sequence's mutable state (status, cursor, schedule, repeat).
func (r *SequenceRepository) Update(ctx context.Context, seq *models.Sequence) error {
	stepsJSON, repeatJSON, err := encodeSequenceDocs(seq)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sequences
		SET name = ?, description = ?, status = ?, scheduled_at = ?,
			cursor = ?, steps_json = ?, repeat_json = ?
		WHERE id = ?
	`,
		seq.Name,
		nullIfEmpty(seq.Description),
		string(seq.Status),
		nullableTS(seq.ScheduledAt),
		seq.Cursor,
		stepsJSON,
		repeatJSON,
		seq.ID,
	)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sequence rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSequenceNotFound
	}
	return nil
}

// Get retrieves a sequence by ID.
func (r *SequenceRepository) Get(ctx context.Context, id string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, created_by, created_at,
			scheduled_at, cursor, steps_json, repeat_json
		FROM sequences WHERE id = ?
	`, id)

	return scanSequence(row)
}

// List retrieves sequences, optionally filtered by status, ordered by creation time.
func (r *SequenceRepository) List(ctx context.Context, status *models.SequenceStatus) ([]*models.Sequence, error) {
	query := `
		SELECT id, name, description, status, created_by, created_at,
			scheduled_at, cursor, steps_json, repeat_json
		FROM sequences`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	var sequences []*models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}

	return sequences, nil
}

// Delete removes a sequence and, via foreign key, its execution.
func (r *SequenceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete sequence rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSequenceNotFound
	}
	return nil
}

func encodeSequenceDocs(seq *models.Sequence) (string, any, error) {
	steps := seq.Steps
	if steps == nil {
		steps = []models.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", nil, fmt.Errorf("marshal steps: %w", err)
	}

	var repeatJSON any
	if seq.Repeat != nil {
		data, err := json.Marshal(seq.Repeat)
		if err != nil {
			return "", nil, fmt.Errorf("marshal repeat policy: %w", err)
		}
		repeatJSON = string(data)
	}

	return string(stepsJSON), repeatJSON, nil
}

func scanSequence(scanner interface{ Scan(dest ...any) error }) (*models.Sequence, error) {
	var (
		seq         models.Sequence
		description sql.NullString
		status      string
		createdBy   sql.NullString
		createdAt   string
		scheduledAt sql.NullString
		stepsJSON   string
		repeatJSON  sql.NullString
	)

	if err := scanner.Scan(
		&seq.ID,
		&seq.Name,
		&description,
		&status,
		&createdBy,
		&createdAt,
		&scheduledAt,
		&seq.Cursor,
		&stepsJSON,
		&repeatJSON,
	); err != nil {
		if isNotFound(err) {
			return nil, ErrSequenceNotFound
		}
		return nil, fmt.Errorf("scan sequence: %w", err)
	}

	seq.Status = models.SequenceStatus(status)
	seq.Description = description.String
	seq.CreatedBy = createdBy.String

	var err error
	seq.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse sequence created_at: %w", err)
	}
	if scheduledAt.Valid {
		v, err := parseTS(scheduledAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse sequence scheduled_at: %w", err)
		}
		seq.ScheduledAt = &v
	}

	if err := json.Unmarshal([]byte(stepsJSON), &seq.Steps); err != nil {
		return nil, fmt.Errorf("decode sequence steps: %w", err)
	}
	if repeatJSON.Valid {
		seq.Repeat = &models.RepeatPolicy{}
		if err := json.Unmarshal([]byte(repeatJSON.String), seq.Repeat); err != nil {
			return nil, fmt.Errorf("decode repeat policy: %w", err)
		}
	}

	return &seq, nil
}
