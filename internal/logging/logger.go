// Package logging builds the zap loggers used across recall.
// Every subsystem logs through a named child logger (its Category) so that
// production output and the run transcript can be filtered by origin.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, config resolution
	CategoryAPI        Category = "api"        // Generative service calls
	CategoryConsensus  Category = "consensus"  // Vote tallies and winners
	CategoryExtraction Category = "extraction" // Orchestrator state transitions
	CategoryStore      Category = "store"      // Artifacts and journal
)

// Options controls how New builds the root logger.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Verbose    bool   // forces debug level
	Transcript bool   // tee every entry into an in-memory Transcript
}

// ParseLevel maps a config level name to a zap level. Unknown names fall
// back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds the root logger. When opts.Transcript is set the returned
// Transcript receives every entry at debug level and above, regardless of
// the console level.
func New(opts Options) (*zap.Logger, *Transcript, error) {
	cfg := zap.NewProductionConfig()
	if opts.Format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	level := ParseLevel(opts.Level)
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	// Sampling drops repeated entries; the transcript has to be complete.
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if !opts.Transcript {
		return logger, nil, nil
	}

	transcript := NewTranscript(zapcore.DebugLevel)
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, transcript)
	}))
	return logger, transcript, nil
}

// For returns the child logger for a category. A nil parent yields a no-op
// logger so components can be constructed without logging in tests.
func For(parent *zap.Logger, category Category) *zap.Logger {
	if parent == nil {
		parent = zap.NewNop()
	}
	return parent.Named(string(category))
}
