package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogrusAdapter adapts logrus to the cache Logger interface
type LogrusAdapter struct {
	logger *logrus.Logger
	level  LogLevel
	fields logrus.Fields
}

// NewLogrusAdapter creates a new logrus adapter
func NewLogrusAdapter(logger *logrus.Logger) *LogrusAdapter {
	if logger == nil {
		logger = logrus.New()
	}

	adapter := &LogrusAdapter{
		logger: logger,
		level:  INFO,
	}

	switch logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		adapter.level = DEBUG
	case logrus.InfoLevel:
		adapter.level = INFO
	case logrus.WarnLevel:
		adapter.level = WARN
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		adapter.level = ERROR
	}

	return adapter
}

func (l *LogrusAdapter) Debug(ctx context.Context, msg string, fields ...Field) {
	l.logWithFields(logrus.DebugLevel, msg, nil, fields...)
}

func (l *LogrusAdapter) Info(ctx context.Context, msg string, fields ...Field) {
	l.logWithFields(logrus.InfoLevel, msg, nil, fields...)
}

func (l *LogrusAdapter) Warn(ctx context.Context, msg string, fields ...Field) {
	l.logWithFields(logrus.WarnLevel, msg, nil, fields...)
}

func (l *LogrusAdapter) Error(ctx context.Context, msg string, err error, fields ...Field) {
	l.logWithFields(logrus.ErrorLevel, msg, err, fields...)
}

func (l *LogrusAdapter) SetLevel(level LogLevel) {
	l.level = level
	switch level {
	case DEBUG:
		l.logger.SetLevel(logrus.DebugLevel)
	case INFO:
		l.logger.SetLevel(logrus.InfoLevel)
	case WARN:
		l.logger.SetLevel(logrus.WarnLevel)
	case ERROR:
		l.logger.SetLevel(logrus.ErrorLevel)
	}
}

func (l *LogrusAdapter) GetLevel() LogLevel {
	return l.level
}

func (l *LogrusAdapter) IsEnabled(level LogLevel) bool {
	return level >= l.level
}

func (l *LogrusAdapter) WithFields(fields ...Field) Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, field := range fields {
		merged[field.Key] = field.Value
	}

	return &LogrusAdapter{
		logger: l.logger,
		level:  l.level,
		fields: merged,
	}
}

func (l *LogrusAdapter) logWithFields(level logrus.Level, msg string, err error, fields ...Field) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}

	logrusFields := make(logrus.Fields, len(l.fields)+len(fields)+1)
	for k, v := range l.fields {
		logrusFields[k] = v
	}
	for _, field := range fields {
		logrusFields[field.Key] = field.Value
	}
	if err != nil {
		logrusFields["error"] = err.Error()
	}

	l.logger.WithFields(logrusFields).Log(level, msg)
}

// ZapAdapter adapts zap to the cache Logger interface
type ZapAdapter struct {
	logger *zap.Logger
	level  LogLevel
}

// NewZapAdapter creates a new zap adapter
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	adapter := &ZapAdapter{
		logger: logger,
		level:  INFO,
	}

	if core := logger.Core(); core.Enabled(zapcore.DebugLevel) {
		adapter.level = DEBUG
	}

	return adapter
}

func (z *ZapAdapter) Debug(ctx context.Context, msg string, fields ...Field) {
	z.logger.Debug(msg, zapFields(nil, fields)...)
}

func (z *ZapAdapter) Info(ctx context.Context, msg string, fields ...Field) {
	z.logger.Info(msg, zapFields(nil, fields)...)
}

func (z *ZapAdapter) Warn(ctx context.Context, msg string, fields ...Field) {
	z.logger.Warn(msg, zapFields(nil, fields)...)
}

func (z *ZapAdapter) Error(ctx context.Context, msg string, err error, fields ...Field) {
	z.logger.Error(msg, zapFields(err, fields)...)
}

func (z *ZapAdapter) SetLevel(level LogLevel) {
	z.level = level
}

func (z *ZapAdapter) GetLevel() LogLevel {
	return z.level
}

func (z *ZapAdapter) IsEnabled(level LogLevel) bool {
	return level >= z.level
}

func (z *ZapAdapter) WithFields(fields ...Field) Logger {
	return &ZapAdapter{
		logger: z.logger.With(zapFields(nil, fields)...),
		level:  z.level,
	}
}

func zapFields(err error, fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for _, field := range fields {
		out = append(out, zap.Any(field.Key, field.Value))
	}
	if err != nil {
		out = append(out, zap.Error(err))
	}
	return out
}
