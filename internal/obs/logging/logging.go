// Package logging configures the process-wide slog.Logger every other
// package logs through, the same shape as libs/go/core/logging in the
// teacher, renamed to this project's own environment variables.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger: JSON if PIPEGRAPH_JSON_LOG is
// 1/true/json, text otherwise, level from PIPEGRAPH_LOG_LEVEL.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("PIPEGRAPH_JSON_LOG"))
	json := mode == "1" || mode == "true" || mode == "json"

	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("PIPEGRAPH_LOG_LEVEL")) {
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
