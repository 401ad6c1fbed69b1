// Package logging provides structured logging with zap.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	globalLogger = zap.NewNop()
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init replaces the global logger. Until it is called the module logs
// nothing.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	config.Level = atomicLevel
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	mu.Lock()
	globalLogger = logger
	globalLevel = atomicLevel
	mu.Unlock()
	return nil
}

// Set installs logger as the global logger. Tests use it with
// zaptest or observer loggers.
func Set(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	mu.RLock()
	globalLevel.SetLevel(l)
	mu.RUnlock()
}

// L returns the global logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named returns logger if it is not nil, otherwise the global logger with
// the given name. Components use it to resolve their WithLogger option.
func Named(logger *zap.Logger, name string) *zap.Logger {
	if logger != nil {
		return logger
	}
	return L().Named(name)
}

// Field helpers for common fields.
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int64(key string, val int64) zap.Field {
	return zap.Int64(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

// URI is the field used for file URIs throughout the module.
func URI(uri string) zap.Field {
	return zap.String("uri", uri)
}
