package fileio

import (
	"fmt"
	"slices"
	"sync"
)

// DriverFactory creates a Backend from a config. Driver packages register
// one from init:
//
//	func init() {
//	    fileio.RegisterDriver("memory", func(cfg *fileio.Config) (fileio.Backend, error) {
//	        return memory.New(memory.WithScheme(cfg.MemoryScheme)), nil
//	    })
//	}
type DriverFactory func(cfg *Config) (Backend, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory function
func RegisterDriver(name string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[name] = factory
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	names := make([]string, 0, len(driverFactories))
	for name := range driverFactories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateBackend creates the backend registered as name.
func CreateBackend(name string, cfg *Config) (Backend, error) {
	factoryMutex.RLock()
	factory, exists := driverFactories[name]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("driver %s not registered (missing import of its package?)", name)
	}

	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", name, err)
	}
	if cfg.ReadOnly {
		b = ReadOnly(b)
	}
	return b, nil
}
