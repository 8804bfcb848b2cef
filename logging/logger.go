// Package logging provides the structured logger used by the statement
// cache for its swallow-and-log paths: failed handle closes, failed
// scratch-state resets and contract violations such as a double restore.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents logging verbosity levels
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, exists := levelNames[l]; exists {
		return name
	}
	return "UNKNOWN"
}

// Logger is the contract the statement cache logs through.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, err error, fields ...Field)

	SetLevel(level LogLevel)
	GetLevel() LogLevel
	IsEnabled(level LogLevel) bool

	WithFields(fields ...Field) Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// Convenience functions for creating fields
func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Error(err error) Field                          { return Field{Key: "error", Value: err} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  LogLevel  `json:"level"`
	Format string    `json:"format"` // "text" or "json"
	Output io.Writer `json:"-"`
}

// DefaultLoggerConfig returns sensible defaults
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:  WARN,
		Format: "text",
		Output: os.Stderr,
	}
}

// StandardLogger is the default implementation of Logger
type StandardLogger struct {
	config *LoggerConfig
	output io.Writer
	mu     sync.RWMutex
	fields []Field
}

// NewStandardLogger creates a new standard logger. A nil config uses the
// defaults: WARN level, text format, stderr.
func NewStandardLogger(config *LoggerConfig) *StandardLogger {
	if config == nil {
		config = DefaultLoggerConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	return &StandardLogger{
		config: config,
		output: config.Output,
	}
}

// Debug logs a debug message
func (l *StandardLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DEBUG, msg, nil, fields...)
}

// Info logs an info message
func (l *StandardLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, INFO, msg, nil, fields...)
}

// Warn logs a warning message
func (l *StandardLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WARN, msg, nil, fields...)
}

// Error logs an error message
func (l *StandardLogger) Error(ctx context.Context, msg string, err error, fields ...Field) {
	l.log(ctx, ERROR, msg, err, fields...)
}

// SetLevel sets the logging level
func (l *StandardLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
}

// GetLevel returns the current logging level
func (l *StandardLogger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

// IsEnabled checks if a log level is enabled
func (l *StandardLogger) IsEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// WithFields returns a new logger with additional fields
func (l *StandardLogger) WithFields(fields ...Field) Logger {
	return &StandardLogger{
		config: l.config,
		output: l.output,
		fields: append(l.fields, fields...),
	}
}

// log is the internal logging implementation
func (l *StandardLogger) log(_ context.Context, level LogLevel, msg string, err error, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	allFields := append(l.fields, fields...)
	if err != nil {
		allFields = append(allFields, Field{Key: "error", Value: err.Error()})
	}

	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    allFields,
	}

	formatted := l.formatEntry(entry)
	l.mu.Lock()
	fmt.Fprint(l.output, formatted)
	l.mu.Unlock()
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Fields    []Field   `json:"fields"`
}

func (l *StandardLogger) formatEntry(entry *LogEntry) string {
	switch strings.ToLower(l.config.Format) {
	case "json":
		return l.formatJSON(entry)
	default:
		return l.formatText(entry)
	}
}

// formatText formats log entry as human-readable text
func (l *StandardLogger) formatText(entry *LogEntry) string {
	var builder strings.Builder

	builder.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	builder.WriteString(" [")
	builder.WriteString(entry.Level.String())
	builder.WriteString("] stmtcache: ")
	builder.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		builder.WriteString(" |")
		for _, field := range entry.Fields {
			builder.WriteString(" ")
			builder.WriteString(field.Key)
			builder.WriteString("=")
			builder.WriteString(formatValue(field.Value))
		}
	}

	builder.WriteString("\n")
	return builder.String()
}

// formatJSON formats log entry as JSON
func (l *StandardLogger) formatJSON(entry *LogEntry) string {
	data := map[string]interface{}{
		"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
		"level":     entry.Level.String(),
		"message":   entry.Message,
	}

	for _, field := range entry.Fields {
		data[field.Key] = field.Value
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return l.formatText(entry)
	}

	return string(jsonBytes) + "\n"
}

// formatValue converts a field value to string representation
func formatValue(value interface{}) string {
	if value == nil {
		return "<nil>"
	}

	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case time.Duration:
		return v.String()
	case error:
		return fmt.Sprintf("%q", v.Error())
	default:
		return fmt.Sprintf("%v", v)
	}
}

// NoOpLogger is a logger that does nothing (for testing or disabling logging)
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)            {}
func (n *NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)             {}
func (n *NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)             {}
func (n *NoOpLogger) Error(ctx context.Context, msg string, err error, fields ...Field) {}
func (n *NoOpLogger) SetLevel(level LogLevel)                                           {}
func (n *NoOpLogger) GetLevel() LogLevel                                                { return ERROR }
func (n *NoOpLogger) IsEnabled(level LogLevel) bool                                     { return false }
func (n *NoOpLogger) WithFields(fields ...Field) Logger                                 { return n }
