// internal/logger/logger.go
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap sugared logger with service context
type Logger struct {
	service string
	sugar   *zap.SugaredLogger
}

// New creates a new logger instance for a service
func New(service string) *Logger {
	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Never fail service startup over logging
		base = zap.NewNop()
	}

	return &Logger{
		service: service,
		sugar:   base.Sugar().With("service", service),
	}
}

// Info logs an info message
func (l *Logger) Info(message string, keyvals ...interface{}) {
	l.sugar.Infow(message, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(message string, keyvals ...interface{}) {
	l.sugar.Errorw(message, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, keyvals ...interface{}) {
	l.sugar.Warnw(message, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, keyvals ...interface{}) {
	l.sugar.Debugw(message, keyvals...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, keyvals ...interface{}) {
	l.sugar.Fatalw(message, keyvals...)
}

// Sync flushes buffered log entries
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}
