// Package logging provides categorized structured logging for promptc.
// Each subsystem logs through a named zap logger; the level is shared and
// can be changed at runtime (config hot-reload flips the atomic level).
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and wiring
	CategoryContract Category = "contract" // Signature and Prompt IR handling
	CategoryRegistry Category = "registry" // Pointer promotion/canary/rollback
	CategoryPredict  Category = "predict"  // Predict pipeline
	CategoryEval     Category = "eval"     // Evaluation runner
	CategoryCompile  Category = "compile"  // Compiler and optimizers
	CategoryKernel   Category = "kernel"   // Budgeted execution kernel
	CategoryStore    Category = "store"    // SQLite persistence
	CategoryAPI      Category = "api"      // Model/tool provider calls
	CategoryAdmin    Category = "admin"    // Admin HTTP surface
)

// Options configures the logging backend.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	File   string // optional log file; stderr when empty
}

var (
	mu      sync.RWMutex
	root    *zap.Logger
	level   zap.AtomicLevel
	loggers = make(map[Category]*zap.SugaredLogger)
)

func init() {
	// Safe default so packages can log before Initialize runs.
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	root = zap.NewNop()
}

// Initialize builds the shared zap backend. Call once at startup.
func Initialize(opts Options) error {
	lvl, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var enc zapcore.Encoder
	if opts.Format == "console" {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	mu.Lock()
	defer mu.Unlock()
	level = zap.NewAtomicLevelAt(lvl)
	root = zap.New(zapcore.NewCore(enc, sink, level))
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// SetLevel changes the shared level at runtime.
func SetLevel(name string) error {
	lvl, err := parseLevel(name)
	if err != nil {
		return err
	}
	mu.RLock()
	defer mu.RUnlock()
	level.SetLevel(lvl)
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

func parseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %q", name)
	}
}
