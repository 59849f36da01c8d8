package trust

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for trust verification. A nil *Metrics records nothing.
type Metrics struct {
	verifications    *prometheus.CounterVec
	verifyDuration   *prometheus.HistogramVec
	revocationChecks *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	cacheEntries     *prometheus.GaugeVec
	registry         *prometheus.Registry
}

// NewMetrics creates trust metrics registered on their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "admitgw"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "verifications_total",
			Help:      "Total number of peer certificate verifications by outcome",
		},
		[]string{"outcome"},
	)

	m.verifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "verification_duration_seconds",
			Help:      "Peer certificate verification duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"outcome"},
	)

	m.revocationChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "revocation_checks_total",
			Help:      "Total number of revocation checks by source and status",
		},
		[]string{"source", "status"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "cache_lookups_total",
			Help:      "Total number of revocation cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	m.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "fetch_duration_seconds",
			Help:      "Revocation data download duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	m.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "cache_entries",
			Help:      "Number of entries held by each revocation cache",
		},
		[]string{"cache"},
	)

	m.registry.MustRegister(
		m.verifications,
		m.verifyDuration,
		m.revocationChecks,
		m.cacheLookups,
		m.fetchDuration,
		m.cacheEntries,
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordVerification(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
	m.verifyDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) recordRevocationCheck(source string, status Status) {
	if m == nil {
		return
	}
	m.revocationChecks.WithLabelValues(source, status.String()).Inc()
}

func (m *Metrics) recordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) recordFetch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) setCacheEntries(cache string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(cache).Set(float64(n))
}
