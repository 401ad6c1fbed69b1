// Package metrics provides Prometheus metrics for fileio components.
//
// Metrics are optional. Until InitRegistry is called, every constructor
// returns nil, and all recorder methods are safe to call on a nil receiver,
// so components record unconditionally at no cost.
//
//	metrics.InitRegistry()
//	engine := job.New(job.WithMetrics(metrics.NewJobMetrics()))
//	http.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// registry is written once by InitRegistry and read afterwards
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global registry. Subsequent calls are
// ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// JobMetrics records job engine activity.
type JobMetrics struct {
	operations *prometheus.CounterVec
	bytes      prometheus.Counter
}

var (
	jobOnce     sync.Once
	jobShared   *JobMetrics
	modelOnce   sync.Once
	modelShared *ModelMetrics
)

// NewJobMetrics returns the job metrics registered with the global
// registry, creating them on first use. It returns nil when metrics are
// disabled.
func NewJobMetrics() *JobMetrics {
	if !IsEnabled() {
		return nil
	}
	jobOnce.Do(func() { jobShared = NewJobMetricsWith(GetRegistry()) })
	return jobShared
}

// NewJobMetricsWith registers job metrics with reg.
func NewJobMetricsWith(reg prometheus.Registerer) *JobMetrics {
	f := promauto.With(reg)
	return &JobMetrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileio",
			Subsystem: "job",
			Name:      "operations_total",
			Help:      "Job operations by operation and result",
		}, []string{"op", "result"}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fileio",
			Subsystem: "job",
			Name:      "bytes_copied_total",
			Help:      "Bytes written by copy operations",
		}),
	}
}

// Operation records one finished operation. result is "ok", "cancelled"
// or "error".
func (m *JobMetrics) Operation(op, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// BytesCopied adds n to the copied byte counter.
func (m *JobMetrics) BytesCopied(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.Add(float64(n))
}

// ModelMetrics records directory model activity.
type ModelMetrics struct {
	events      *prometheus.CounterVec
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

// NewModelMetrics returns the directory model metrics registered with the
// global registry, creating them on first use. It returns nil when metrics
// are disabled.
func NewModelMetrics() *ModelMetrics {
	if !IsEnabled() {
		return nil
	}
	modelOnce.Do(func() { modelShared = NewModelMetricsWith(GetRegistry()) })
	return modelShared
}

// NewModelMetricsWith registers directory model metrics with reg.
func NewModelMetricsWith(reg prometheus.Registerer) *ModelMetrics {
	f := promauto.With(reg)
	return &ModelMetrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileio",
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Monitor events consumed by directory models",
		}, []string{"type"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fileio",
			Subsystem: "dirmodel",
			Name:      "updates_dropped_total",
			Help:      "Updates dropped for subscribers that fell behind",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fileio",
			Subsystem: "dirmodel",
			Name:      "subscribers",
			Help:      "Active directory model subscriptions",
		}),
	}
}

// Event counts one monitor event of the given type.
func (m *ModelMetrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// Dropped counts one update dropped for a lagging subscriber.
func (m *ModelMetrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Subscribed adjusts the subscriber gauge by delta.
func (m *ModelMetrics) Subscribed(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
