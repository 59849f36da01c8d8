package main

import (
	"context"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// shutdown stops components in dependency order: the listener drains first,
// then the admission store closes and the tracer flushes.
func (a *application) shutdown(watcher *config.Watcher) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to stop HTTP server gracefully", observability.Error(err))
	}

	if a.metricsServer != nil {
		a.logger.Info("stopping metrics server")
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if err := a.core.Close(); err != nil {
		a.logger.Error("failed to close admission store", observability.Error(err))
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("gateway stopped")
}
