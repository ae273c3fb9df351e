package logging

import (
	"log/slog"
	"os"
)

var Logger *slog.Logger

var level = new(slog.LevelVar) // dynamic level if we ever want to adjust it

func init() {
	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(handler)
}

// Init sets the level from LOG_LEVEL (debug|info|warn|error), default info.
func Init() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Shortcut helpers
var (
	Info  = func(msg string, args ...any) { Logger.Info(msg, args...) }
	Error = func(msg string, args ...any) { Logger.Error(msg, args...) }
	Warn  = func(msg string, args ...any) { Logger.Warn(msg, args...) }
	Debug = func(msg string, args ...any) { Logger.Debug(msg, args...) }
)

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}
