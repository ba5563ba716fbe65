// Package logging configures structured logging for the file gateway using
// log/slog.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a level name to a slog.Level.
// Supported levels: "debug", "info", "warn", "error" (default: "info").
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds a handler writing to w.
// Supported formats: "text", "json", "pretty" (default: "text").
func NewHandler(level, format string, w io.Writer) slog.Handler {
	lvl := ParseLevel(level)

	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "pretty":
		// charmbracelet levels share slog's numeric values.
		return log.NewWithOptions(w, log.Options{
			Level:           log.Level(lvl),
			TimeFormat:      time.RFC3339,
			ReportTimestamp: true,
			TimeFunction:    log.NowUTC,
		})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
}

// New returns a logger that writes to the primary handler and every extra
// sink. Sinks are fed independently; one failing sink does not stop the
// others.
func New(primary slog.Handler, sinks ...slog.Handler) *slog.Logger {
	if len(sinks) == 0 {
		return slog.New(primary)
	}
	return slog.New(slogmulti.Fanout(append([]slog.Handler{primary}, sinks...)...))
}

// Setup configures the default slog logger with the specified level and
// format, fanning out to any extra sinks, and returns it.
func Setup(level, format string, w io.Writer, sinks ...slog.Handler) *slog.Logger {
	logger := New(NewHandler(level, format, w), sinks...)
	slog.SetDefault(logger)
	return logger
}
