// Package logging provides the structured logger used across the module.
// Output goes to stderr at the level named by DETOUR_LOG_LEVEL.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pboyd/detour/internal/config"
)

var (
	logger *slog.Logger
	level  = new(slog.LevelVar)
	mu     sync.Mutex
)

func init() {
	lvl, err := config.ParseLevel(os.Getenv("DETOUR_LOG_LEVEL"))
	if err != nil {
		lvl = slog.LevelInfo
	}
	initLogger(lvl, os.Stderr)
}

func initLogger(lvl slog.Level, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}

	level.Set(lvl)

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Logger returns the logger with a component attribute.
func Logger(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger.With("component", component)
}

// SetLevel changes the level of every logger, including ones already
// handed out.
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

// SetOutput redirects loggers created after the call.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(level.Level(), w)
}
