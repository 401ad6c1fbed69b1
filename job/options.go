package job

import (
	"go.uber.org/zap"

	"github.com/gobeaver/fileio/metrics"
)

// DefaultChunkSize is the transfer unit for chunked copies.
const DefaultChunkSize = 64 * 1024

// Option configures an Engine.
type Option func(*Options)

// Options contains the engine settings.
type Options struct {
	// ChunkSize is the number of bytes moved between progress calls
	ChunkSize int

	// Logger receives job diagnostics (default: global logger named "job")
	Logger *zap.Logger

	// Metrics records operations and copied bytes; nil disables recording
	Metrics *metrics.JobMetrics
}

// WithChunkSize sets the copy chunk size.
func WithChunkSize(n int) Option {
	return func(o *Options) { o.ChunkSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.JobMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func processOptions(opts ...Option) Options {
	o := Options{
		ChunkSize: DefaultChunkSize,
		Metrics:   metrics.NewJobMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}
