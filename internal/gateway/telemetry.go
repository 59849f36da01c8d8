package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/admitgw/internal/trust"
)

// Telemetry groups the metric sinks of every engine. Nil fields record nothing.
type Telemetry struct {
	Gateway   *Metrics
	Trust     *trust.Metrics
	RateLimit *ratelimit.Metrics
	Store     *store.Metrics
	Normalize *normalize.Metrics
}

// NewTelemetry creates every engine's metrics under namespace.
func NewTelemetry(namespace string) *Telemetry {
	return &Telemetry{
		Gateway:   NewMetrics(namespace),
		Trust:     trust.NewMetrics(namespace),
		RateLimit: ratelimit.NewMetrics(namespace),
		Store:     store.NewMetrics(namespace),
		Normalize: normalize.NewMetrics(namespace),
	}
}

// Gatherers merges the non-nil registries.
func (t *Telemetry) Gatherers() prometheus.Gatherers {
	if t == nil {
		return nil
	}
	var g prometheus.Gatherers
	if t.Gateway != nil {
		g = append(g, t.Gateway.Registry())
	}
	if t.Trust != nil {
		g = append(g, t.Trust.Registry())
	}
	if t.RateLimit != nil {
		g = append(g, t.RateLimit.Registry())
	}
	if t.Store != nil {
		g = append(g, t.Store.Registry())
	}
	if t.Normalize != nil {
		g = append(g, t.Normalize.Registry())
	}
	return g
}
