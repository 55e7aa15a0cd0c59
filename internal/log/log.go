// Package log provides structured logging for voicedesk.
// It wraps zap with the defaults used by every command.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init initializes the global logger with the specified level.
// Valid levels: "debug", "info", "warn", "error"
func Init(level string) {
	once.Do(func() {
		logger = build(level, os.Getenv("GO_ENV") == "production")
		zap.ReplaceGlobals(logger)
	})
}

func build(level string, production bool) *zap.Logger {
	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// ParseLevel maps a level name to a zap level. Unknown names map to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the global logger instance.
func L() *zap.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// S returns the sugared form of the global logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Debug logs at debug level.
func Debug(msg string, kv ...any) {
	S().Debugw(msg, kv...)
}

// Info logs at info level.
func Info(msg string, kv ...any) {
	S().Infow(msg, kv...)
}

// Warn logs at warn level.
func Warn(msg string, kv ...any) {
	S().Warnw(msg, kv...)
}

// Error logs at error level.
func Error(msg string, kv ...any) {
	S().Errorw(msg, kv...)
}

// With returns a logger with the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Component returns a child logger tagged with a component name.
// A nil parent falls back to the global logger.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		parent = L()
	}
	return parent.With(zap.String("component", name))
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
