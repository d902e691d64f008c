// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Intake
	ReadingsTotal   *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	DroppedReadings *prometheus.CounterVec

	// Gateway
	ForwardsTotal   *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec

	// Connections
	ActiveConnections  *prometheus.GaugeVec
	ConnectionDuration *prometheus.HistogramVec
	ModbusState        *prometheus.GaugeVec
	ModbusReconnects   *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec

	// Worker pool
	PoolJobs *prometheus.GaugeVec

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Resources
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates the bridge metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mbridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ReadingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readings_total",
				Help:      "Total number of readings received",
			},
			[]string{"transport"},
		),
		DecodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of payloads that could not be normalized",
			},
			[]string{"transport"},
		),
		DroppedReadings: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_readings_total",
				Help:      "Total number of readings dropped before forwarding",
			},
			[]string{"transport", "reason"},
		),
		ForwardsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Total number of gateway deliveries by outcome",
			},
			[]string{"transport", "outcome", "status"},
		),
		ForwardDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_seconds",
				Help:      "Gateway delivery duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open inbound connections",
			},
			[]string{"transport"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Inbound connection duration in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"transport"},
		),
		ModbusState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modbus_connection_state",
				Help:      "Modbus connection state (0=disconnected, 1=connecting, 2=connected)",
			},
			[]string{"target"},
		),
		ModbusReconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modbus_connect_attempts_total",
				Help:      "Total number of Modbus connect attempts",
			},
			[]string{"target", "result"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "intake_queue_depth",
				Help:      "Number of messages waiting in an intake queue",
			},
			[]string{"transport"},
		),
		PoolJobs: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_jobs",
				Help:      "Number of forward jobs in the worker pool",
			},
			[]string{"state"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		GoroutinesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines",
			},
		),
		MemoryAllocated: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveConnection tracks an inbound connection lifecycle.
func (m *Metrics) ObserveConnection(transport string, f func() error) error {
	m.ActiveConnections.WithLabelValues(transport).Inc()
	defer m.ActiveConnections.WithLabelValues(transport).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	}()

	return f()
}

// ObserveForward tracks one gateway delivery. f returns the outcome label and
// the HTTP status label.
func (m *Metrics) ObserveForward(transport string, f func() (outcome, status string)) {
	start := time.Now()
	outcome, status := f()
	m.ForwardDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	m.ForwardsTotal.WithLabelValues(transport, outcome, status).Inc()
}
