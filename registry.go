package fileio

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/gobeaver/fileio/internal/logging"
)

// Registry is an ordered list of backends. Resolve walks the list in
// registration order and uses the first backend whose scheme predicate
// matches, so a later registration for the same scheme only acts as a
// fallback that is never reached.
//
// Register backends before the first Resolve. Registration is safe
// concurrently with Resolve; a resolve never sees a half-inserted entry.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
	logger   *zap.Logger
}

// NewRegistry returns an empty registry. Tests should use their own
// registry instead of the process-wide one.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// SetLogger replaces the registry's logger. By default it logs through the
// global logger.
func (r *Registry) SetLogger(l *zap.Logger) {
	r.mu.Lock()
	r.logger = l
	r.mu.Unlock()
}

// Register appends b. It does not reorder existing entries.
func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	r.mu.Lock()
	// copy on write so slices handed out by Backends stay stable
	next := make([]Backend, len(r.backends), len(r.backends)+1)
	copy(next, r.backends)
	r.backends = append(next, b)
	logger := r.logger
	position := len(r.backends)
	r.mu.Unlock()

	if logger == nil {
		logger = logging.L().Named("registry")
	}
	logger.Debug("backend registered",
		zap.String("backend", b.Name()),
		zap.Int("position", position),
	)
}

// Backends returns the registered backends in order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends)
}

// BackendFor returns the backend that would resolve uri.
func (r *Registry) BackendFor(uri string) (Backend, error) {
	scheme := Scheme(uri)
	if scheme == "" {
		return nil, &PathError{Op: "resolve", Path: uri, Err: ErrInvalidURI}
	}

	r.mu.RLock()
	backends := r.backends
	r.mu.RUnlock()

	for _, b := range backends {
		if b.Supports(scheme) {
			return b, nil
		}
	}
	return nil, &PathError{Op: "resolve", Path: uri, Err: ErrUnsupportedScheme}
}

// Resolve returns a File for uri from the first matching backend. It fails
// with ErrUnsupportedScheme when no backend matches; there is no default
// backend.
func (r *Registry) Resolve(uri string) (File, error) {
	b, err := r.BackendFor(uri)
	if err != nil {
		return nil, err
	}
	return b.Resolve(uri)
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Reset removes every backend. Backends that implement io.Closer are
// closed.
func (r *Registry) Reset() error {
	r.mu.Lock()
	backends := r.backends
	r.backends = nil
	r.mu.Unlock()

	var firstErr error
	for _, b := range backends {
		if c, ok := b.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// RegisterBackend appends b to the process-wide registry.
func RegisterBackend(b Backend) { defaultRegistry.Register(b) }

// Resolve resolves uri with the process-wide registry.
func Resolve(uri string) (File, error) { return defaultRegistry.Resolve(uri) }
