// Package log configures the process-wide slog logger and carries the
// attribute conventions shared across the control plane.
package log

import (
	"log/slog"
	"os"
	"strings"
)

func Setup(logLevel string) {
	var level slog.Level

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// WithConsumer attaches the identifying attributes of one consumer, keeping
// log lines joinable across supervisor, extractor and monitor output.
func WithConsumer(logger *slog.Logger, consumerID, groupID, topic string) *slog.Logger {
	return logger.With(
		"consumer_id", consumerID,
		"consumer_group", groupID,
		"topic", topic,
	)
}
