// Package logging provides the runner's structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging across the lifecycle engine.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that emits JSON or human-readable text, matching
// the OKEN_LOG_JSON setting.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// WithAgent returns a logger pre-tagged with agent_id, for the common
// case of following a single deploy/invoke/stop through its lifecycle.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{l.Logger.With("agent_id", agentID)}
}
