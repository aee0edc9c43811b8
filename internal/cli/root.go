// Package cli implements the opsdeck command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/internal/acks"
	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/db"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/sequencer"
)

// Version is set by main at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "opsdeck",
	Short: "Event sequencer for live exercise control",
	Long:  "opsdeck schedules and drives timed broadcast sequences for exercise control staff.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, cfg.LogJSON)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/opsdeck/opsdeck.yaml)")
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openDatabase opens and migrates the configured database.
func openDatabase(cmd *cobra.Command) (*db.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	ctx := cmd.Context()
	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return database, cfg, nil
}

// newService builds a sequencer service over the database for lifecycle
// commands. It uses a discard sink: commands only change persisted state,
// the running daemon does the actual broadcasting.
func newService(database *db.DB, cfg *config.Config) *sequencer.Service {
	tracker := acks.NewTracker(cfg.MQTT.TopicPrefix)
	executor := sequencer.NewExecutor(broadcast.Discard(), tracker)
	evaluator := sequencer.NewEvaluator(tracker, executor, sequencer.SystemClock)
	return sequencer.NewService(
		db.NewSequenceRepository(database),
		db.NewExecutionRepository(database),
		db.NewEventRepository(database),
		executor,
		evaluator,
		sequencer.SystemClock,
	)
}
