// Package log provides structured logging for runnerd components.
package log

import (
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
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

// ParseLevel converts a level name from configuration into a Level.
// Unknown names fall back to InfoLevel.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Entry represents a single log entry handed to a Formatter.
type Entry struct {
	Level     Level
	Message   string
	Fields    []Field
	Timestamp time.Time
}

// Formatter renders an entry into bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Logger defines the logging interface for runnerd components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With returns a child logger that carries the given fields.
	With(fields ...Field) Logger

	// WithComponent tags logs with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// LoggerOption configures a logger created by NewLogger.
type LoggerOption func(*baseLogger)

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *baseLogger) {
		l.level = level
	}
}

// WithFormatter sets the entry formatter.
func WithFormatter(f Formatter) LoggerOption {
	return func(l *baseLogger) {
		l.formatter = f
	}
}

// WithOutput sets the destination writer.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *baseLogger) {
		l.out = w
	}
}

type baseLogger struct {
	mu        *sync.Mutex
	level     Level
	fields    []Field
	formatter Formatter
	out       io.Writer
	exit      func(int)
}

// NewLogger creates a logger writing colored text to stderr at info level.
func NewLogger(options ...LoggerOption) Logger {
	l := &baseLogger{
		mu:        &sync.Mutex{},
		level:     InfoLevel,
		formatter: NewTextFormatter(),
		out:       os.Stderr,
		exit:      os.Exit,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

func (l *baseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}

	entry := &Entry{
		Level:     level,
		Message:   msg,
		Timestamp: time.Now(),
		Fields:    append(append([]Field{}, l.fields...), fields...),
	}

	formatted, err := l.formatter.Format(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	_, _ = l.out.Write(formatted)
	l.mu.Unlock()
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs the message and exits the process.
func (l *baseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	l.exit(1)
}

func (l *baseLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(append([]Field{}, l.fields...), fields...)
	return &child
}

func (l *baseLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *baseLogger) SetLevel(level Level) { l.level = level }
func (l *baseLogger) GetLevel() Level      { return l.level }
