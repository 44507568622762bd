// Package logging wires the process-wide slog default to a rotating file,
// keeping stdout free for the terminal UI.
package logging

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Init routes the default slog logger to a rotating JSON log file.
func Init(path string, debug bool) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 2,
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
