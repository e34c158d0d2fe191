package main

import (
	"io"
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// InitLogging replaces the process logger. Debug enables step-level detail
// and the body excerpts printed when a scrape comes up empty.
func InitLogging(debug bool, output io.Writer) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func subsystem(name string) *slog.Logger {
	return logger.With("subsystem", name)
}

func logDebug(sub, msg string, attrs ...any) {
	subsystem(sub).Debug(msg, attrs...)
}

func logInfo(sub, msg string, attrs ...any) {
	subsystem(sub).Info(msg, attrs...)
}

func logWarn(sub, msg string, attrs ...any) {
	subsystem(sub).Warn(msg, attrs...)
}

func logError(sub string, err error, msg string, attrs ...any) {
	subsystem(sub).Error(msg, append(attrs, "error", err)...)
}
