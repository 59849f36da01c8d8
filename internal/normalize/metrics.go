package normalize

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for protocol normalization. A nil *Metrics records nothing.
type Metrics struct {
	normalizations *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	registry       *prometheus.Registry
}

// NewMetrics creates normalizer metrics on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "admitgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		normalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "normalize",
				Name:      "requests_total",
				Help:      "Total number of normalized requests by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "normalize",
				Name:      "duration_seconds",
				Help:      "Normalization duration in seconds",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
			[]string{"protocol"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "normalize",
				Name:      "fragment_cache_lookups_total",
				Help:      "Total number of fragment cache lookups by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(m.normalizations, m.duration, m.cacheLookups)
	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordNormalization(protocol Protocol, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.normalizations.WithLabelValues(string(protocol), outcome).Inc()
	m.duration.WithLabelValues(string(protocol)).Observe(d.Seconds())
}

func (m *Metrics) recordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
