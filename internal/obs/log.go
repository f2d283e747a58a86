package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu   sync.Mutex
	loggerOnce sync.Once
	logger     *slog.Logger
)

// Logger returns the shared JSON logger used across the service.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if logger == nil {
			logger = newLogger(os.Stdout, levelFromEnv())
		}
	})
	loggerMu.Lock()
	defer loggerMu.Unlock()
	return logger
}

// SetOutput redirects the shared logger, e.g. to a buffer in tests. It
// returns a function restoring the previous logger.
func SetOutput(w io.Writer) (restore func()) {
	Logger()
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = newLogger(w, slog.LevelDebug)
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
