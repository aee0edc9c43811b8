package sequencer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/logging"
)

// Poller errors.
var (
	ErrPollerAlreadyRunning = errors.New("poller already running")
	ErrPollerNotRunning     = errors.New("poller not running")
)

// PollerConfig contains poller configuration.
type PollerConfig struct {
	// TickInterval is how often the poller re-evaluates persisted
	// due-times. The worst-case firing latency for any step is one
	// tick interval; that is a documented bound, not a bug.
	// Default: 1 second.
	TickInterval time.Duration
}

// DefaultPollerConfig returns sensible default configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		TickInterval: 1 * time.Second,
	}
}

// PollerStats contains poller statistics.
type PollerStats struct {
	// Running indicates if the poller is active.
	Running bool

	// StartedAt is when the poller was started.
	StartedAt *time.Time

	// Ticks is the total number of completed ticks.
	Ticks int64

	// StepsFired is the total number of steps fired.
	StepsFired int64

	// BranchesFired is the total number of branches fired.
	BranchesFired int64

	// SequencesFailed is the number of sequences failed during ticks.
	SequencesFailed int64

	// LastTickAt is when the last tick completed.
	LastTickAt *time.Time
}

// Poller drives the sequence engine: a single recurring loop shared
// across all active sequences, re-scanning persisted due-times each
// tick. Whether there is work to do is decided by inspecting persisted
// state, not by a module-level flag.
type Poller struct {
	config  PollerConfig
	service *Service
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}

	statsMu sync.RWMutex
	stats   PollerStats
}

// NewPoller creates a new Poller.
func NewPoller(config PollerConfig, service *Service) *Poller {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultPollerConfig().TickInterval
	}

	return &Poller{
		config:  config,
		service: service,
		logger:  logging.Component("poller"),
		kick:    make(chan struct{}, 1),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPollerAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	now := time.Now().UTC()
	p.statsMu.Lock()
	p.stats.Running = true
	p.stats.StartedAt = &now
	p.statsMu.Unlock()

	p.logger.Info().
		Dur("tick_interval", p.config.TickInterval).
		Msg("poller starting")

	p.wg.Add(1)
	go p.runLoop()

	return nil
}

// Stop halts the poller and waits for in-flight work to complete,
// including branch runs launched by the evaluator. An in-flight step
// execution always completes once started.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPollerNotRunning
	}

	p.logger.Info().Msg("poller stopping")
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.service.Wait()

	p.statsMu.Lock()
	p.stats.Running = false
	p.statsMu.Unlock()

	p.logger.Info().Msg("poller stopped")
	return nil
}

// Kick triggers an immediate tick, bypassing the interval. Used after
// operator commands so a just-started sequence's first step does not
// wait out a full tick.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
		// A tick is already pending.
	}
}

// Stats returns current poller statistics.
func (p *Poller) Stats() PollerStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// runLoop is the main polling loop.
func (p *Poller) runLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case <-p.kick:
			p.tick()

		case <-ticker.C:
			p.tick()
		}
	}
}

// tick performs one scheduling cycle and records stats.
func (p *Poller) tick() {
	result := p.service.Tick(p.ctx)

	now := time.Now().UTC()
	p.statsMu.Lock()
	p.stats.Ticks++
	p.stats.StepsFired += int64(result.StepsFired)
	p.stats.BranchesFired += int64(result.BranchesFired)
	p.stats.SequencesFailed += int64(result.SequencesFailed)
	p.stats.LastTickAt = &now
	p.statsMu.Unlock()
}
