// Package logger provides the structured logging layer for the gateway.
//
// All components log through slog. Init wires a process-wide handler (JSON
// for production, text for development) and WithContext enriches log records
// with the connection/session/request identifiers carried in a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// ParseLevel converts a LOG_LEVEL string to a slog.Level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Init initializes the global logger.
// If jsonOutput is true, logs are formatted as JSON for production.
func Init(level slog.Level, jsonOutput bool) {
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
}

// InitWithFile initializes the global logger and additionally appends all
// records to a dated log file under logDir.
func InitWithFile(level slog.Level, jsonOutput bool, logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "acpgate-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// Close closes the log file if one was opened.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging.
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Component returns a child logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Slog().With("component", name)
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyConnectionID contextKey = "connection_id"
	ContextKeySessionID    contextKey = "session_id"
	ContextKeyRequestID    contextKey = "request_id"
)

// WithConnectionID returns a context carrying a connection id for logging.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyConnectionID, id)
}

// WithSessionID returns a context carrying a session id for logging.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, id)
}

// WithRequestID returns a context carrying a request id for logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if connectionID := ctx.Value(ContextKeyConnectionID); connectionID != nil {
		logger = logger.With("connection_id", connectionID)
	}
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		logger = logger.With("session_id", sessionID)
	}
	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		logger = logger.With("request_id", requestID)
	}

	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
