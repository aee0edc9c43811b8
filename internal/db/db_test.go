package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/opsdeck/opsdeck/internal/models"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	testDB, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := testDB.Migrate(context.Background()); err != nil {
		testDB.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}

	return testDB, func() { testDB.Close() }
}

func testSequence(name string) *models.Sequence {
	seq := &models.Sequence{
		Name:      name,
		CreatedBy: "white-cell",
		Steps: []models.Step{
			{
				Kind:    models.ActionBroadcast,
				DelayMs: 5000,
				Payload: json.RawMessage(`{"text":"hello"}`),
				Branches: []models.Branch{
					{
						Condition: models.ConditionAlways,
						Steps:     []models.Step{{Kind: models.ActionPing}},
					},
				},
			},
			{Kind: models.ActionOpsUpdate, DelayMs: 1000},
		},
		Repeat: &models.RepeatPolicy{Enabled: true, IntervalMs: 60000, MaxRepeats: 3},
	}
	seq.AssignIDs()
	return seq
}

func TestOpenCreatesFileAndMigrates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "opsdeck.db")

	database, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Re-running migrations is a no-op.
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := database.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version == 0 {
		t.Error("user_version not advanced")
	}
}
