// Package logging configures the process-wide structured logger.
//
// Unlike the HTTP services this pattern is borrowed from, MissionGraph's
// stdout is a reserved output channel (the trace document or the bare
// ok/failed word per spec.md §6) — operational logs are written to
// stderr instead so they never interleave with the one artifact this
// engine externalizes.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger. JSON if MISSIONGRAPH_JSON_LOG is
// 1/true/json, otherwise text.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("MISSIONGRAPH_JSON_LOG"))
	json := mode == "1" || mode == "true" || mode == "json"

	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("MISSIONGRAPH_LOG_LEVEL")) {
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
