package fileio

import (
	"fmt"
	"sync"

	"github.com/gobeaver/beaver-kit/config"
	"go.uber.org/zap"

	"github.com/gobeaver/fileio/internal/logging"
	"github.com/gobeaver/fileio/metrics"
)

var (
	defaultOnce sync.Once
	defaultErr  error
)

// Builder loads configuration with a custom environment prefix
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Init initializes the process-wide registry using the builder's prefix
func (b *Builder) Init() error {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return err
	}
	return Init(cfg)
}

// New creates a new Registry using the builder's prefix
func (b *Builder) New() (*Registry, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return New(cfg)
}

// Init configures logging and metrics from cfg and registers the
// configured backends with the process-wide registry. Only the first call
// has an effect. Without an argument the config is read from the
// environment.
func Init(configs ...*Config) error {
	defaultOnce.Do(func() {
		var cfg *Config
		if len(configs) > 0 && configs[0] != nil {
			cfg = configs[0]
		} else {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}
		ApplyDefaults(cfg)
		if defaultErr = cfg.Validate(); defaultErr != nil {
			defaultErr = fmt.Errorf("invalid config: %w", defaultErr)
			return
		}

		if defaultErr = logging.Init(logging.Config{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			OutputPath: cfg.LogOutput,
		}); defaultErr != nil {
			return
		}
		if cfg.MetricsEnabled {
			metrics.InitRegistry()
		}
		defaultErr = registerBackends(cfg, defaultRegistry)
	})

	return defaultErr
}

// New creates a registry holding the backends cfg names, in order. It
// does not touch the global logger or the process-wide registry.
func New(cfg *Config) (*Registry, error) {
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := NewRegistry()
	if err := registerBackends(cfg, r); err != nil {
		return nil, err
	}
	return r, nil
}

func registerBackends(cfg *Config, r *Registry) error {
	for _, name := range cfg.BackendNames() {
		b, err := CreateBackend(name, cfg)
		if err != nil {
			return fmt.Errorf("failed to create backend: %w", err)
		}
		r.Register(b)
	}
	logging.L().Named("registry").Info("backends configured",
		zap.Strings("drivers", cfg.BackendNames()),
		zap.Bool("read_only", cfg.ReadOnly),
	)
	return nil
}

// Default returns the process-wide registry, initializing it from the
// environment on first use.
func Default() (*Registry, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return defaultRegistry, nil
}

// NewFromEnv creates a registry from environment variables
func NewFromEnv() (*Registry, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Reset clears the process-wide registry and allows Init to run again.
func Reset() error {
	err := defaultRegistry.Reset()
	defaultOnce = sync.Once{}
	defaultErr = nil
	return err
}
