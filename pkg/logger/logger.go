// Package logger provides structured logging with trace-id propagation.
// Every subsystem in soar-core (bus, trigger engine, queue, executor, live
// channel) takes a *Logger at construction; none create their own global
// logger.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
	service string
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New creates a new logger instance.
func New(service string, cfg LoggingConfig) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "soar-core"
		}
		logDir := "logs"
		if mkErr := os.MkdirAll(logDir, 0755); mkErr != nil {
			logger.Errorf("failed to create logs directory: %v", mkErr)
			break
		}
		logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
		file, openErr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if openErr != nil {
			logger.Errorf("failed to open log file: %v", openErr)
			break
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		logger.SetOutput(os.Stdout)
	}

	return &Logger{Logger: logger, service: service}
}

// NewDefault creates a new logger instance with default configuration.
func NewDefault(name string) *Logger {
	return New(name, LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
}

// WithField returns a new log entry with a field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithError returns a new log entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// contextKey is an unexported type so context keys never collide with keys
// defined in other packages.
type contextKey string

// traceIDKey carries a per-execution trace id so every log line emitted
// while handling one playbook execution can be grep'd out of a shared stream.
const traceIDKey contextKey = "trace_id"

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext extracts the trace id carried on ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext returns a log entry tagged with the service name and, when
// present, the trace id carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}
