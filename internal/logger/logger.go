// Package logger provides leveled structured logging.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var defaultLogger *slog.Logger

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	l := ParseLevel(level)

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = tint.NewHandler(w, &tint.Options{
			Level:      l,
			TimeFormat: time.StampMilli,
		})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})
	}

	defaultLogger = slog.New(h)
	slog.SetDefault(defaultLogger)
}

func logf(level slog.Level, format string, args ...interface{}) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Debug(format string, args ...interface{}) {
	logf(slog.LevelDebug, format, args...)
}

func Info(format string, args ...interface{}) {
	logf(slog.LevelInfo, format, args...)
}

func Warn(format string, args ...interface{}) {
	logf(slog.LevelWarn, format, args...)
}

func Error(format string, args ...interface{}) {
	logf(slog.LevelError, format, args...)
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error("FATAL: " + fmt.Sprintf(format, args...))
	}
	os.Exit(1)
}
