// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "driftlake"
	metricsSubsystem = "cdc"
)

// MetricsCollector is the sink for watcher observability. The watcher
// accepts any implementation; a nil collector degrades to a no-op.
type MetricsCollector interface {
	// RecordInc counts one delivered event.
	RecordInc(collection, operation string)

	// ErrorInc counts one classified error.
	ErrorInc(collection, kind string)

	// SetLag publishes the ingestion lag behind the source in seconds.
	SetLag(collection string, seconds float64)

	// BatchObserve records one flushed batch and its delivery duration.
	BatchObserve(collection string, size int, seconds float64)
}

// Collector is a prometheus.Collector that collects metrics about one
// or more change-stream watchers.
type Collector struct {
	records *prometheus.CounterVec
	errors  *prometheus.CounterVec
	lag     *prometheus.GaugeVec
	batches *prometheus.HistogramVec
	sizes   *prometheus.HistogramVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "records_total",
				Help:      "The number of change events delivered to the sink callback.",
			}, []string{"collection", "operation"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "errors_total",
				Help:      "The number of watcher errors, by classification.",
			}, []string{"collection", "kind"},
		),
		lag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "lag_seconds",
				Help:      "Ingestion lag behind the source cluster time.",
			}, []string{"collection"},
		),
		batches: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "batch_seconds",
				Help:      "Time taken to deliver one batch to the sink callback.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			}, []string{"collection"},
		),
		sizes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "batch_size",
				Help:      "The number of events per flushed batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}, []string{"collection"},
		),
	}
}

// RecordInc is part of the MetricsCollector interface.
func (c *Collector) RecordInc(collection, operation string) {
	c.records.WithLabelValues(collection, operation).Inc()
}

// ErrorInc is part of the MetricsCollector interface.
func (c *Collector) ErrorInc(collection, kind string) {
	c.errors.WithLabelValues(collection, kind).Inc()
}

// SetLag is part of the MetricsCollector interface.
func (c *Collector) SetLag(collection string, seconds float64) {
	c.lag.WithLabelValues(collection).Set(seconds)
}

// BatchObserve is part of the MetricsCollector interface.
func (c *Collector) BatchObserve(collection string, size int, seconds float64) {
	c.batches.WithLabelValues(collection).Observe(seconds)
	c.sizes.WithLabelValues(collection).Observe(float64(size))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.records.Describe(ch)
	c.errors.Describe(ch)
	c.lag.Describe(ch)
	c.batches.Describe(ch)
	c.sizes.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.records.Collect(ch)
	c.errors.Collect(ch)
	c.lag.Collect(ch)
	c.batches.Collect(ch)
	c.sizes.Collect(ch)
}

type noopMetrics struct{}

func (noopMetrics) RecordInc(string, string)          {}
func (noopMetrics) ErrorInc(string, string)           {}
func (noopMetrics) SetLag(string, float64)            {}
func (noopMetrics) BatchObserve(string, int, float64) {}
