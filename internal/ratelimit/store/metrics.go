package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for store backends. A nil *Metrics records nothing.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	connectionRetries prometheus.Counter
	connectionErrors  prometheus.Counter
	registry          *prometheus.Registry
}

// NewMetrics creates store metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "admitgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of store operations in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		connectionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connection_retries_total",
			Help:      "Total number of Redis connection retry attempts",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connection_errors_total",
			Help:      "Total number of failed Redis pings during connect",
		}),
	}

	m.registry.MustRegister(m.operations, m.operationDuration, m.connectionRetries, m.connectionErrors)
	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordOperation(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) recordConnectionRetry() {
	if m == nil {
		return
	}
	m.connectionRetries.Inc()
}

func (m *Metrics) recordConnectionError() {
	if m == nil {
		return
	}
	m.connectionErrors.Inc()
}
