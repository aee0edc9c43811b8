// Package logging configures zerolog for the opsdeck process.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(defaultWriter()).With().Timestamp().Logger()
)

func defaultWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// Setup configures the process-wide logger.
// level is one of trace, debug, info, warn, error; unknown values fall back to info.
// When json is true, log lines are emitted as raw JSON instead of console output.
func Setup(level string, json bool) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	var w io.Writer = defaultWriter()
	if json {
		w = os.Stderr
	}

	mu.Lock()
	root = zerolog.New(w).Level(parsed).With().Timestamp().Logger()
	mu.Unlock()
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

// Root returns the process-wide logger.
func Root() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}
