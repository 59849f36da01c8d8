// Package middleware provides the net/http middleware wrapped around the
// gateway's HTTP surface: request ids, panic recovery, tracing, access
// logging, request metrics and body limits.
//
//	handler := middleware.Chain(engine,
//	    middleware.Recovery(logger, metrics),
//	    middleware.RequestID(),
//	    middleware.Tracing("admitgw/http"),
//	    middleware.Logging(logger),
//	    middleware.Instrument(metrics),
//	    middleware.BodyLimit(maxBytes, logger, metrics),
//	)
package middleware
