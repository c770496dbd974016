package modload

import "go.uber.org/zap"

// Logger defines the structured logging interface used throughout the
// subsystem. It uses variadic key-value pairs, which makes it compatible
// with slog, zap (via SugaredLogger), logrus, and similar libraries.
//
// Example:
//
//	logger.Info("module loaded", "moduleId", "pos-terminal", "durationMs", 120)
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// ZapLogger adapts a zap.SugaredLogger to the Logger interface. This is the
// default production logger for the subsystem.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps the given zap logger. Passing nil builds a production
// zap logger with sensible defaults.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	if base == nil {
		base, _ = zap.NewProduction()
	}
	return &ZapLogger{sugar: base.Sugar()}
}

// Info implements Logger.
func (l *ZapLogger) Info(msg string, args ...any) { l.sugar.Infow(msg, args...) }

// Error implements Logger.
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// Warn implements Logger.
func (l *ZapLogger) Warn(msg string, args ...any) { l.sugar.Warnw(msg, args...) }

// Debug implements Logger.
func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// NoopLogger discards all log output. Useful as a default when no logger is
// injected and in tests that do not assert on logging.
type NoopLogger struct{}

// Info implements Logger.
func (NoopLogger) Info(msg string, args ...any) {}

// Error implements Logger.
func (NoopLogger) Error(msg string, args ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(msg string, args ...any) {}

// Debug implements Logger.
func (NoopLogger) Debug(msg string, args ...any) {}
