package testutil

import (
	"io"
	"log/slog"
)

// Logger returns a silent logger for tests that exercise failure paths
// without spamming test output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
