// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "driftlake"

// Collector is a prometheus.Collector that collects metrics about
// checkpoint store traffic.
type Collector struct {
	saves *prometheus.CounterVec
	loads *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoint_saves_total",
				Help:      "The number of checkpoint save attempts, by outcome.",
			}, []string{"status"},
		),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoint_loads_total",
				Help:      "The number of checkpoint load attempts, by outcome.",
			}, []string{"status"},
		),
	}
}

// SaveInc increments the save counter for the given status.
func (c *Collector) SaveInc(status string) {
	c.saves.WithLabelValues(status).Inc()
}

// LoadInc increments the load counter for the given status.
func (c *Collector) LoadInc(status string) {
	c.loads.WithLabelValues(status).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.saves.Describe(ch)
	c.loads.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.saves.Collect(ch)
	c.loads.Collect(ch)
}
