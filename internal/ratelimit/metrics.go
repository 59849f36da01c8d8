package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for admission decisions. A nil *Metrics records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	activeKeys    prometheus.Gauge
	storeFailures *prometheus.CounterVec
	registry      *prometheus.Registry
}

// NewMetrics creates admission metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "admitgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions by algorithm, scope and outcome",
			},
			[]string{"algorithm", "scope", "outcome"},
		),
		activeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "active_keys",
			Help:      "Number of rate limit keys with live state",
		}),
		storeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "store_failures_total",
				Help:      "Total number of shared store failures that admitted a request",
			},
			[]string{"operation"},
		),
	}

	m.registry.MustRegister(m.decisions, m.activeKeys, m.storeFailures)
	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordDecision(algorithm Algorithm, scope Scope, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.decisions.WithLabelValues(string(algorithm), string(scope), outcome).Inc()
}

func (m *Metrics) setActiveKeys(n int64) {
	if m == nil {
		return
	}
	m.activeKeys.Set(float64(n))
}

func (m *Metrics) recordStoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}
