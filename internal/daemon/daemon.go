// Package daemon wires storage, broker connectivity, and the polling engine
// into the long-running opsdeck service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/acks"
	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/db"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/sequencer"
)

// Options configure the daemon runtime.
type Options struct {
	Version string
}

// Daemon is the long-running process that drives sequences forward.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   Options

	database *db.DB
	sink     *broadcast.MQTTSink
	tracker  *acks.Tracker
	service  *sequencer.Service
	poller   *sequencer.Poller
}

// New constructs a daemon with the provided configuration. Nothing is opened
// or connected until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return &Daemon{
		cfg:    cfg,
		logger: logging.Component("daemon"),
		opts:   opts,
	}, nil
}

// Run opens the database, connects to the broker, and blocks driving the
// polling loop until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	if dir := filepath.Dir(d.cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	database, err := db.Open(ctx, d.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.database = database
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	d.sink = broadcast.NewMQTTSink(broadcast.MQTTConfig{
		BrokerURL:   d.cfg.MQTT.BrokerURL,
		ClientID:    d.cfg.MQTT.ClientID,
		TopicPrefix: d.cfg.MQTT.TopicPrefix,
	})
	if err := d.sink.Connect(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer d.sink.Disconnect()

	d.tracker = acks.NewTracker(d.sink.TopicPrefix())
	if err := d.tracker.Subscribe(d.sink.Client()); err != nil {
		return fmt.Errorf("subscribe ack topics: %w", err)
	}

	executor := sequencer.NewExecutor(d.sink, d.tracker)
	evaluator := sequencer.NewEvaluator(d.tracker, executor, sequencer.SystemClock)
	d.service = sequencer.NewService(
		db.NewSequenceRepository(database),
		db.NewExecutionRepository(database),
		db.NewEventRepository(database),
		executor,
		evaluator,
		sequencer.SystemClock,
	)

	d.poller = sequencer.NewPoller(sequencer.PollerConfig{
		TickInterval: d.cfg.TickInterval,
	}, d.service)

	if err := d.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	d.logger.Info().
		Str("version", d.opts.Version).
		Str("db", d.cfg.DBPath).
		Str("broker", d.cfg.MQTT.BrokerURL).
		Dur("tick_interval", d.cfg.TickInterval).
		Msg("opsdeck daemon running")

	<-ctx.Done()

	d.logger.Info().Msg("opsdeck shutting down...")
	if err := d.poller.Stop(); err != nil && !errors.Is(err, sequencer.ErrPollerNotRunning) {
		d.logger.Warn().Err(err).Msg("poller stop")
	}
	d.service.Wait()
	d.logger.Info().Msg("opsdeck shutdown complete")
	return nil
}

// Service exposes the sequencer service. Useful for testing.
func (d *Daemon) Service() *sequencer.Service {
	return d.service
}
