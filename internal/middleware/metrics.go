package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the HTTP surface. A nil *Metrics records nothing.
type Metrics struct {
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	panicsRecovered   prometheus.Counter
	bodyLimitRejected prometheus.Counter
	registry          *prometheus.Registry
}

// NewMetrics creates HTTP metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "admitgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		panicsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "panics_recovered_total",
				Help:      "Total number of recovered handler panics",
			},
		),
		bodyLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "body_limit_rejected_total",
				Help:      "Total number of requests rejected for body size",
			},
		),
	}

	m.registry.MustRegister(m.requests, m.duration, m.panicsRecovered, m.bodyLimitRejected)
	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) recordPanic() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}

func (m *Metrics) recordBodyLimit() {
	if m == nil {
		return
	}
	m.bodyLimitRejected.Inc()
}
