package dirmodel

import (
	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 100

// DefaultAttrs are the attributes queried for each entry.
const DefaultAttrs = "standard::*,time::modified,time::modified-usec,etag::value"

// Option configures a Model.
type Option func(*Options)

// Options contains the model settings.
type Options struct {
	// Logger receives model diagnostics (default: global logger named "dirmodel")
	Logger *zap.Logger

	// Metrics records events and drops; nil disables recording
	Metrics *metrics.ModelMetrics

	// Buffer is the default subscriber queue length
	Buffer int

	// Filter restricts the tracked children. Nil tracks everything.
	Filter fileio.Selector

	// Attrs selects the attributes kept per entry. Name, size and
	// modification time are always added since change detection needs them.
	Attrs string
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.ModelMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithBuffer sets the default subscriber queue length.
func WithBuffer(n int) Option {
	return func(o *Options) { o.Buffer = n }
}

// WithFilter tracks only the children sel matches.
func WithFilter(sel fileio.Selector) Option {
	return func(o *Options) { o.Filter = sel }
}

// WithAttrs sets the attributes queried per entry.
func WithAttrs(attrs string) Option {
	return func(o *Options) { o.Attrs = attrs }
}

func processOptions(opts ...Option) Options {
	o := Options{
		Buffer:  DefaultBuffer,
		Attrs:   DefaultAttrs,
		Metrics: metrics.NewModelMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.Filter == nil {
		o.Filter = fileio.All()
	}
	o.Attrs += "," + fileio.AttrStandardName + "," + fileio.AttrStandardType + "," +
		fileio.AttrStandardSize + "," + fileio.AttrTimeModified + "," + fileio.AttrTimeModifiedUsec
	return o
}
