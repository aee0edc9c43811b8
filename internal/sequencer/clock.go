package sequencer

import (
	"context"
	"time"
)

// Clock abstracts wall-clock access so the engine can be driven by a
// virtual clock in tests instead of sleeping in real time.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// Sleep blocks for d or until the context is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock is the production clock.
var SystemClock Clock = realClock{}
