// Package log provides structured logging for sluice components.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
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
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Unrecognized names
// fall back to InfoLevel with an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Entry is a single log event flowing through the formatter/output pipeline.
type Entry struct {
	Level     Level
	Message   string
	Fields    []Field
	Timestamp time.Time
}

// Logger is the logging interface sluice components depend on. Concrete
// loggers are injected; library code never reaches for a global.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With returns a child logger carrying additional fields.
	With(fields ...Field) Logger

	// WithComponent tags all entries with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter renders an Entry to bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives formatted entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures a BaseLogger.
type LoggerOption func(*BaseLogger)

// WithLevel sets the minimum level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level.Store(level) }
}

// WithFormatter sets the entry formatter.
func WithFormatter(f Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = f }
}

// WithOutput adds an output.
func WithOutput(o Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, o) }
}

// BaseLogger implements Logger over a formatter/output pipeline. Child
// loggers share the pipeline and level; only the bound fields differ.
type BaseLogger struct {
	level     *levelVar
	fields    []Field
	formatter Formatter
	outputs   []Output
	mu        *sync.Mutex
	slogger   *slog.Logger
}

// levelVar is a mutex-guarded Level shared by a logger and its children.
type levelVar struct {
	mu sync.Mutex
	l  Level
}

func (v *levelVar) Store(l Level) { v.mu.Lock(); v.l = l; v.mu.Unlock() }
func (v *levelVar) Load() Level   { v.mu.Lock(); defer v.mu.Unlock(); return v.l }

// NewLogger builds a logger. Defaults: InfoLevel, JSON formatting, stderr.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{
		level:     &levelVar{l: InfoLevel},
		formatter: &JSONFormatter{},
		mu:        &sync.Mutex{},
	}
	for _, opt := range options {
		opt(l)
	}
	if len(l.outputs) == 0 {
		l.outputs = append(l.outputs, NewConsoleOutput())
	}
	l.slogger = slog.New(newBridgeHandler(l))
	return l
}

// NewNopLogger returns a logger that discards everything. It is the
// default when a component is constructed without a logger.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(FatalLevel+1), WithOutput(nopOutput{}))
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs at FatalLevel and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	child := *l
	child.fields = append(append([]Field{}, l.fields...), fields...)
	child.slogger = slog.New(newBridgeHandler(&child))
	return &child
}

func (l *BaseLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *BaseLogger) SetLevel(level Level) { l.level.Store(level) }
func (l *BaseLogger) GetLevel() Level      { return l.level.Load() }

// Slog returns a *slog.Logger routed through this logger's pipeline, for
// code that speaks the stdlib structured logging API.
func (l *BaseLogger) Slog() *slog.Logger { return l.slogger }

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level.Load() {
		return
	}
	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    mergeFields(l.fields, fields),
		Timestamp: time.Now(),
	}
	l.write(entry)
}

func (l *BaseLogger) write(entry *Entry) {
	formatted, err := l.formatter.Format(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, out := range l.outputs {
		_ = out.Write(entry, formatted)
	}
}

// mergeFields appends call-site fields after bound fields, overriding
// duplicates by key so the most specific value wins in the rendered entry.
func mergeFields(bound, extra []Field) []Field {
	if len(bound) == 0 {
		return extra
	}
	out := make([]Field, 0, len(bound)+len(extra))
	out = append(out, bound...)
	for _, f := range extra {
		replaced := false
		for i := range out {
			if out[i].Key == f.Key {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}
