package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/gateway"
	"github.com/vyrodovalexey/admitgw/internal/health"
	"github.com/vyrodovalexey/admitgw/internal/middleware"
	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/server"
)

// application holds all application components.
type application struct {
	config        *config.Config
	core          *gateway.Core
	server        *server.Server
	health        *health.Handler
	telemetry     *gateway.Telemetry
	httpMetrics   *middleware.Metrics
	tracer        *observability.Tracer
	metricsServer *http.Server
	logger        observability.Logger
}

// newApplication wires every component from cfg.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	telemetry := gateway.NewTelemetry(cfg.Metrics.Namespace)
	httpMetrics := middleware.NewMetrics(cfg.Metrics.Namespace)

	core, err := gateway.New(cfg,
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithTelemetry(telemetry),
	)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	healthHandler := health.NewHandler(
		health.WithVersion(version),
		health.WithLogger(logger.Named("health")),
	)
	if p, ok := core.Store().(health.Pinger); ok {
		healthHandler.AddCheck("admission_store", health.PingCheck(p))
	}

	srv, err := server.New(cfg.Server, core,
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(httpMetrics),
		server.WithHealth(healthHandler),
	)
	if err != nil {
		_ = core.Close()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	return &application{
		config:      cfg,
		core:        core,
		server:      srv,
		health:      healthHandler,
		telemetry:   telemetry,
		httpMetrics: httpMetrics,
		tracer:      tracer,
		logger:      logger,
	}, nil
}

// gatherers returns every registry served on the metrics endpoint.
func (a *application) gatherers() prometheus.Gatherers {
	g := a.telemetry.Gatherers()
	g = append(g, a.httpMetrics.Registry(), runtimeRegistry(a.config.Metrics.Namespace))
	return g
}

// run serves until ctx is canceled or the listener fails, then shuts down.
func (a *application) run(ctx context.Context, configPath string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if v := a.core.Verifier(); v != nil {
		go v.Run(runCtx, a.config.Trust.OCSPCleanupInterval.Duration(), a.config.Trust.CRLCleanupInterval.Duration())
	}

	if a.config.Metrics.Enabled {
		a.metricsServer = createMetricsServer(a.config.Metrics, a.gatherers(), a.logger)
		go runMetricsServer(a.metricsServer, a.logger)
	}

	watcher := a.startConfigWatcher(runCtx, configPath)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Start() }()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case err = <-serveErr:
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		}
	}

	a.shutdown(watcher)
	return err
}

// startConfigWatcher hot-reloads the configuration. A watcher that cannot
// start is logged and the gateway keeps its startup configuration.
func (a *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, a.reload,
		config.WithLogger(a.logger.Named("config")),
	)
	if err != nil {
		a.logger.Warn("config watcher disabled", observability.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher disabled", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

func (a *application) reload(cfg *config.Config) {
	if err := a.core.Reload(cfg); err != nil {
		a.logger.Error("failed to apply configuration, keeping previous", observability.Error(err))
	}
}
