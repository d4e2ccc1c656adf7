package common

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/meftunca/indexsync/pkg/config"
)

// NewLogger builds the process logger from the logging section of the config.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerTo(output(cfg.Output), cfg)
}

// NewLoggerTo is NewLogger with an explicit writer, used by tests to capture output.
func NewLoggerTo(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func level(s string) slog.Level {
	switch strings.ToLower(s) {
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

func output(s string) io.Writer {
	if strings.EqualFold(s, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}
