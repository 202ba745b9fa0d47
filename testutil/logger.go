// Package testutil provides shared helpers for boardsync tests.
package testutil

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLogLevel is the log level used when LOG_LEVEL is unset.
var DefaultLogLevel = zapcore.WarnLevel

// NewLogger returns a development logger for tests. The level follows the
// LOG_LEVEL environment variable (debug, info, warn, error).
func NewLogger() *zap.Logger {
	level := DefaultLogLevel
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = zapcore.DebugLevel
	case "INFO":
		level = zapcore.InfoLevel
	case "WARN":
		level = zapcore.WarnLevel
	case "ERROR":
		level = zapcore.ErrorLevel
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("context", "test"))
}
