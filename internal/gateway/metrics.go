package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Metrics holds Prometheus metrics for the request pipeline. A nil *Metrics records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	upstream     *prometheus.CounterVec
	breakerState prometheus.Gauge
	reloads      *prometheus.CounterVec
	registry     *prometheus.Registry
}

// NewMetrics creates gateway metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "admitgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total number of pipeline requests by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Pipeline duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		upstream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "upstream_calls_total",
				Help:      "Total number of upstream call attempts by result",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "upstream_breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "config_reloads_total",
				Help:      "Total number of configuration reloads by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(m.requests, m.duration, m.upstream, m.breakerState, m.reloads)
	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordRequest(protocol, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(protocol, outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) recordUpstream(result string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(result).Inc()
}

func (m *Metrics) setBreakerState(state gobreaker.State) {
	if m == nil {
		return
	}
	switch state {
	case gobreaker.StateClosed:
		m.breakerState.Set(0)
	case gobreaker.StateHalfOpen:
		m.breakerState.Set(1)
	case gobreaker.StateOpen:
		m.breakerState.Set(2)
	}
}

func (m *Metrics) recordReload(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reloads.WithLabelValues(result).Inc()
}
