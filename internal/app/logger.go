package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide logger. Production runs with
// LOG_FORMAT=json so shippers get structured records; anything else falls
// back to the human-readable text handler.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
