package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// runtimeRegistry carries the process and Go runtime collectors plus build info.
func runtimeRegistry(namespace string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"version": version, "commit": gitCommit, "build_time": buildTime},
		}, func() float64 { return 1 }),
	)
	return reg
}

// createMetricsServer creates the metrics HTTP server.
func createMetricsServer(cfg config.MetricsConfig, gatherers prometheus.Gatherers, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))

	logger.Info("starting metrics server",
		observability.String("address", cfg.Address),
		observability.String("metrics_path", cfg.Path),
	)

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}
