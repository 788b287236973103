// Package log provides telemux's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by the standard library
// slog, so output format and level are configured once at construction and
// the rest of the codebase stays against this facade.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the severity level of a log message.
type Level int

// Log levels.
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name ("debug", "info", "warn", "error").
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, &ParseError{Input: s}
}

// ParseError reports an unrecognized level name.
type ParseError struct{ Input string }

func (e *ParseError) Error() string { return "log: unknown level " + e.Input }

func toSlogLevel(l Level) slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// Str returns a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Any returns a field holding an arbitrary value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Err returns an error field under the conventional "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component tags logs with a component name.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Logger defines the leveled logging interface used across telemux.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that includes the given fields on every entry.
	With(fields ...Field) Logger
}

// Config declares logger construction knobs, typically sourced from env.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// Option configures a logger under construction.
type Option func(*options)

type options struct {
	level  Level
	format string
	out    io.Writer
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) Option { return func(o *options) { o.level = level } }

// WithFormat selects "text" or "json" output.
func WithFormat(format string) Option { return func(o *options) { o.format = format } }

// WithOutput directs output to the given writer.
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

type baseLogger struct {
	sl *slog.Logger
}

// NewLogger creates a logger. Defaults: info level, text format, stderr.
func NewLogger(opts ...Option) Logger {
	o := options{level: InfoLevel, format: "text", out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	ho := &slog.HandlerOptions{Level: toSlogLevel(o.level)}
	var h slog.Handler
	if o.format == "json" {
		h = slog.NewJSONHandler(o.out, ho)
	} else {
		h = slog.NewTextHandler(o.out, ho)
	}
	return &baseLogger{sl: slog.New(h)}
}

// ApplyConfig builds a logger from a declarative Config.
func ApplyConfig(cfg Config) (Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return NewLogger(WithLevel(lvl), WithFormat(cfg.Format)), nil
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.sl.Debug(msg, attrs(fields)...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.sl.Info(msg, attrs(fields)...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.sl.Warn(msg, attrs(fields)...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.sl.Error(msg, attrs(fields)...) }

func (l *baseLogger) With(fields ...Field) Logger {
	return &baseLogger{sl: l.sl.With(attrs(fields)...)}
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() Logger {
	return &baseLogger{sl: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
