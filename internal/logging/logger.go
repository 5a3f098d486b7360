// Package logging provides categorized structured loggers for patchpilot.
// Each subsystem gets a named zap logger so log output can be filtered per
// category (supervisor, router, patch, vcs, doctor, agent, store, usage).
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategorySupervisor Category = "supervisor" // Execution loop, phase transitions
	CategoryRouter     Category = "router"     // Model selection, quota decisions
	CategoryPatch      Category = "patch"      // Patch validation
	CategoryVCS        Category = "vcs"        // Working tree apply/commit/rollback
	CategoryDoctor     Category = "doctor"     // Failure classification, replans
	CategoryAgent      Category = "agent"      // Builder/Auditor provider calls
	CategoryStore      Category = "store"      // Persistence
	CategoryUsage      Category = "usage"      // Token accounting
	CategoryConfig     Category = "config"     // Configuration loading
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.Logger)
)

func init() {
	root = zap.NewNop()
}

// Init installs the process-wide root logger. Debug enables development
// encoding and debug-level output.
func Init(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetRoot(logger)
	return nil
}

// SetRoot replaces the root logger. Tests use this with zaptest loggers.
func SetRoot(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
}

// Get returns the named logger for a category.
func Get(cat Category) *zap.Logger {
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
	l := root.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
