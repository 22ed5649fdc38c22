package testhelpers

import (
	"log/slog"
	"os"
	"testing"
)

// NewNopLogger returns a logger that discards all log output.
func NewNopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewTestLogger returns a logger that writes to stderr. Set DEBUG to enable
// debug-level output.
func NewTestLogger(tb testing.TB) *slog.Logger {
	tb.Helper()

	var handlerOpts slog.HandlerOptions
	if os.Getenv("DEBUG") != "" {
		handlerOpts.Level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &handlerOpts))
}
