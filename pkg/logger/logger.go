// Package logger provides the structured logger shared by all token locker
// components. It is a thin layer over logrus that knows how to build itself
// from configuration and how to pull request-scoped fields out of a context.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig describes how log output is formatted and where it goes.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger embeds a logrus logger and remembers the component it was created for.
type Logger struct {
	*logrus.Logger
	component string
}

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	accountIDKey contextKey = "account_id"
)

// New builds a logger from cfg. Unknown levels fall back to info and unknown
// outputs fall back to stdout.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	l.SetOutput(openOutput(cfg))
	return &Logger{Logger: l}
}

// NewDefault returns a text logger at info level tagged with component.
func NewDefault(component string) *Logger {
	log := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	log.component = component
	return log
}

// NewDiscard returns a logger that drops everything. Useful in tests.
func NewDiscard() *Logger {
	log := New(LoggingConfig{Level: "panic"})
	log.SetOutput(io.Discard)
	return log
}

// Named returns a copy of the logger tagged with a different component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component reports the component name this logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// Entry returns a base entry carrying the component field.
func (l *Logger) Entry() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}

// WithContext returns an entry enriched with the trace and account ids stored
// on ctx by WithTraceID and WithAccountID.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Entry().WithContext(ctx)
	if ctx == nil {
		return entry
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v, ok := ctx.Value(accountIDKey).(string); ok && v != "" {
		entry = entry.WithField("account_id", v)
	}
	return entry
}

// WithField shadows the logrus method so the component tag is kept.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Entry().WithField(key, value)
}

// WithFields shadows the logrus method so the component tag is kept.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Entry().WithFields(fields)
}

// WithError shadows the logrus method so the component tag is kept.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Entry().WithError(err)
}

// WithTraceID stores a trace id on the context for WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithAccountID stores the calling account id on the context for WithContext.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// TraceID returns the trace id stored on ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func openOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := strings.TrimSpace(cfg.FilePrefix)
		if prefix == "" {
			prefix = "token-locker"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: open %s: %v, falling back to stdout\n", name, err)
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
