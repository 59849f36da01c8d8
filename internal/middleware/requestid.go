package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// RequestID returns a middleware that adds a request ID to each request.
func RequestID() Middleware {
	return RequestIDWithGenerator(uuid.NewString)
}

// RequestIDWithGenerator returns a middleware that uses a custom ID generator.
// An incoming X-Request-ID is kept.
func RequestIDWithGenerator(generator func() string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderXRequestID)
			if requestID == "" {
				requestID = generator()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(HeaderXRequestID, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
