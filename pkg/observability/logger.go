// Package observability holds the logging, metrics and tracing plumbing shared by the engine
// and the command line tool.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is debug, info, warn or error. Empty or unknown values mean info.
	Level string `json:"level"`

	// Format is json or text. Empty means json.
	Format string `json:"format"`

	// Output defaults to os.Stderr.
	Output io.Writer `json:"-"`

	// AddSource includes the source position in every record.
	AddSource bool `json:"add_source"`
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger creates a structured logger.
//
// Example:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}
