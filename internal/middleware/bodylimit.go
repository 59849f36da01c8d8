package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// ErrBodyTooLarge is returned by reads past the configured body limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BodyLimit returns a middleware that rejects request bodies larger than
// maxSize. A declared Content-Length over the limit is rejected before the
// handler runs. Otherwise reads past the limit fail with ErrBodyTooLarge.
func BodyLimit(maxSize int64, logger observability.Logger, metrics *Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		if maxSize <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				logger.WithContext(r.Context()).Warn("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_size", maxSize),
				)
				metrics.recordBodyLimit()

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = io.WriteString(w, errRequestEntityTooLarge)
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &limitedReadCloser{
					ReadCloser: r.Body,
					remaining:  maxSize,
					onExceeded: metrics.recordBodyLimit,
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitedReadCloser fails reads once more than the allowed bytes arrive.
type limitedReadCloser struct {
	io.ReadCloser
	remaining  int64
	onExceeded func()
	exceeded   bool
}

// Read reads at most remaining+1 bytes so an oversized body is detected.
func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.ReadCloser.Read(p)
	if int64(n) > l.remaining {
		l.exceeded = true
		if l.onExceeded != nil {
			l.onExceeded()
		}
		return int(l.remaining), ErrBodyTooLarge
	}
	l.remaining -= int64(n)
	return n, err
}
