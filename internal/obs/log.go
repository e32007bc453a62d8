package obs

import (
	"log/slog"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// NewLogger returns a structured logger. Format is "json" in production and
// "text" for local development.
func NewLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// Logger returns the shared process-wide logger.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = NewLogger("json")
	})
	return logger
}

// SetLogger replaces the shared logger. Call once during startup, before
// any goroutine reads it.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	loggerOnce.Do(func() {})
	logger = l
}
