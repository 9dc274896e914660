// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps the provided standard logger. A nil logger falls back
// to stdout with microsecond timestamps.
func NewStdLogger(logger *log.Logger, debug bool) *StdLogger {
	if logger == nil {
		logger = log.New(os.Stdout, "fanride ", log.LstdFlags|log.Lmicroseconds)
	}
	adapter := new(StdLogger)
	adapter.logger = logger
	adapter.debug = debug
	return adapter
}

// Debug logs at debug level when debug output is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.logger.Printf("DEBUG %s%s", msg, formatFields(fields))
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.logger.Printf("INFO %s%s", msg, formatFields(fields))
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.logger.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(field.Key)
		sb.WriteString("=")
		appendFieldValue(&sb, field.Value)
	}
	return sb.String()
}

func appendFieldValue(sb *strings.Builder, value any) {
	switch v := value.(type) {
	case string:
		sb.WriteString(v)
	case error:
		sb.WriteString(v.Error())
	default:
		sb.WriteString(fmt.Sprint(v))
	}
}
