// Package observability provides structured logging and Prometheus metrics
// for the tool server.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog with automatic correlation fields pulled from the
// request context.
//
// Logs default to stderr: stdout carries the MCP protocol stream and must
// stay clean.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text". JSON is the default.
	Format string `yaml:"format"`

	// Output overrides the log destination (defaults to os.Stderr).
	Output io.Writer `yaml:"-"`
}

// ContextKey is the type for context keys carrying correlation fields.
type ContextKey string

const (
	// CorrelationIDKey carries the per-tool-call correlation id.
	CorrelationIDKey ContextKey = "correlation_id"

	// SessionIDKey carries the session id of the current operation.
	SessionIDKey ContextKey = "session_id"

	// OperationKey carries the canonical tool name being executed.
	OperationKey ContextKey = "operation"
)

// NewLogger creates a structured logger. Timestamps are normalized to UTC
// so log lines sort correctly across hosts.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: LogLevelFromString(config.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.UTC())
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

// Debug logs at debug level with context correlation fields.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation fields.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation fields.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation fields.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	attrs := make([]any, 0, len(args)+6)
	if id := GetCorrelationID(ctx); id != "" {
		attrs = append(attrs, "correlation_id", id)
	}
	if id := GetSessionID(ctx); id != "" {
		attrs = append(attrs, "session_id", id)
	}
	if op, ok := ctx.Value(OperationKey).(string); ok && op != "" {
		attrs = append(attrs, "operation", op)
	}
	attrs = append(attrs, args...)
	l.logger.Log(ctx, level, msg, attrs...)
}

// WithFields returns a logger with fields added to every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithCorrelationID stores a correlation id in the context. The id is
// scoped to one tool call and never reused across operations.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithSessionID stores a session id in the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithOperation stores the canonical tool name in the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// GetCorrelationID retrieves the correlation id from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetSessionID retrieves the session id from the context.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a level name to a slog.Level, defaulting to
// info for unknown values.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
