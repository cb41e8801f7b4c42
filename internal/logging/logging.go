// Package logging wraps zap with the constructors the rest of the module
// expects: a development (console) logger when human-readable output is
// asked for, and a production (JSON, sampled) logger otherwise, which is
// what cmd/synctreectl uses by default.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zapcore.Level so callers outside this package never need
// to import zap directly just to pick a verbosity.
type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

// New builds a *zap.Logger for the given component name at the given
// level. human=true gets a console encoder with colorized levels (for
// synctreectl's interactive runs); human=false gets JSON (for anything
// piped into a log aggregator).
func New(component string, level Level, human bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if human {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level > LevelError

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(component), nil
}

// NoOp returns a logger that discards everything, for tests and for any
// caller that isn't given one explicitly.
func NoOp() *zap.Logger {
	return zap.NewNop()
}
