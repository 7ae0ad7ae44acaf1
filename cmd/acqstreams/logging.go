package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/c360/acqstreams/config"
)

func setupLogger(level, format string) *slog.Logger {
	logLevel, err := config.ParseLogLevel(level)
	if err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
	)
}
