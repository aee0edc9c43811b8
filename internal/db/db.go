// Package db provides SQLite database access for opsdeck.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/opsdeck/opsdeck/internal/logging"
)

// DB wraps the SQLite handle used by the repositories.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database at path and configures pragmas.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1)

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &DB{DB: handle, logger: logging.Component("db")}, nil
}

// OpenInMemory opens an in-memory database for tests.
func OpenInMemory() (*DB, error) {
	handle, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1)

	if _, err := handle.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		handle.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{DB: handle, logger: logging.Component("db")}, nil
}

// migrations are applied in order; user_version tracks progress.
var migrations = []string{
	`
	CREATE TABLE sequences (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT,
		status        TEXT NOT NULL,
		created_by    TEXT,
		created_at    TEXT NOT NULL,
		scheduled_at  TEXT,
		cursor        INTEGER NOT NULL DEFAULT 0,
		steps_json    TEXT NOT NULL,
		repeat_json   TEXT
	);

	CREATE TABLE executions (
		id                   TEXT PRIMARY KEY,
		sequence_id          TEXT NOT NULL UNIQUE REFERENCES sequences(id) ON DELETE CASCADE,
		status               TEXT NOT NULL,
		started_at           TEXT NOT NULL,
		completed_steps_json TEXT NOT NULL,
		current_step_id      TEXT,
		next_fire_at         TEXT,
		error_message        TEXT
	);

	CREATE TABLE events (
		id           TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		type         TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX idx_sequences_status ON sequences(status);
	CREATE INDEX idx_events_entity ON events(entity_type, entity_id, timestamp);
	`,
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	var version int
	if err := d.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := d.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		d.logger.Debug().Int("version", i+1).Msg("applied schema migration")
	}

	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
