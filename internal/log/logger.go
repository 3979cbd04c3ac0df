// Package log provides the service's structured logger: zap wrapped behind
// the logr.Logger interface so components depend on the generic interface
// rather than on zap directly.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the root logger.
type Options struct {
	// Development enables human-readable console output and debug verbosity.
	Development bool
	// Level is the minimum V-level that will be logged (0 = info, higher = more verbose).
	Level int
	// Format forces "json" or "console"; empty means derive from Development.
	Format string
}

// DevelopmentOptions returns options suited for tests: console output, debug verbosity.
func DevelopmentOptions() Options {
	return Options{Development: true, Level: 1}
}

// NewLogger builds a logr.Logger backed by zap according to opts.
func NewLogger(opts Options) logr.Logger {
	cfg := zap.NewProductionConfig()
	if opts.Development || opts.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if opts.Format == "json" {
		cfg.Encoding = "json"
	}

	// zap's Level is inverted relative to logr's V(level): higher V means more
	// verbose, so we lower zap's minimum level as opts.Level grows.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.Level))

	zl, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger; callers must still get a usable logr.Logger.
		zl = zap.NewNop()
	}
	return zapr.NewLogger(zl)
}

// Noop returns a logger that discards everything, for tests that don't care.
func Noop() logr.Logger {
	return logr.Discard()
}
