package trust

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// Fetcher defaults.
const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultMaxCRLSize    = 50 << 20
	DefaultHostRate      = 5.0
	DefaultHostBurst     = 10
	breakerFailureStreak = 5
	breakerOpenTimeout   = time.Minute
)

// Fetcher downloads revocation data.
type Fetcher interface {
	// Fetch performs a GET and returns the body.
	Fetch(ctx context.Context, rawURL string) ([]byte, error)

	// Post performs a POST with the given content type and returns the body.
	Post(ctx context.Context, rawURL, contentType string, body []byte) ([]byte, error)
}

// HTTPFetcher fetches revocation data over HTTP. Requests to one host share a
// circuit breaker and a pacing limiter so a failing responder is not hammered.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	rate     rate.Limit
	burst    int
	logger   observability.Logger
	metrics  *Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithMaxResponseSize caps the body size accepted from a responder.
func WithMaxResponseSize(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		f.maxBytes = n
	}
}

// WithHostRate paces requests per host.
func WithHostRate(rps float64, burst int) FetcherOption {
	return func(f *HTTPFetcher) {
		f.rate = rate.Limit(rps)
		f.burst = burst
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger observability.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// WithFetcherMetrics sets the metrics sink.
func WithFetcherMetrics(metrics *Metrics) FetcherOption {
	return func(f *HTTPFetcher) {
		f.metrics = metrics
	}
}

// NewHTTPFetcher creates an HTTP fetcher with a 30 second client timeout.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:   &http.Client{Timeout: DefaultFetchTimeout},
		maxBytes: DefaultMaxCRLSize,
		rate:     DefaultHostRate,
		burst:    DefaultHostBurst,
		logger:   observability.NopLogger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f.do(ctx, http.MethodGet, rawURL, "", nil)
}

// Post implements Fetcher.
func (f *HTTPFetcher) Post(ctx context.Context, rawURL, contentType string, body []byte) ([]byte, error) {
	return f.do(ctx, http.MethodPost, rawURL, contentType, body)
}

func (f *HTTPFetcher) do(ctx context.Context, method, rawURL, contentType string, body []byte) ([]byte, error) {
	start := time.Now()

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &Error{Kind: KindDownloadFailed, URL: rawURL, Cause: fmt.Errorf("unsupported URL: %w", errOrInvalid(err))}
	}

	breaker, limiter := f.hostControls(u.Host)
	if err := limiter.Wait(ctx); err != nil {
		return nil, f.classify(rawURL, err)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return f.roundTrip(ctx, method, rawURL, contentType, body)
	})

	if err != nil {
		f.metrics.recordFetch("error", time.Since(start))
		f.logger.Debug("revocation fetch failed",
			observability.String("url", rawURL),
			observability.Error(err),
		)
		return nil, f.classify(rawURL, err)
	}

	f.metrics.recordFetch("success", time.Since(start))
	return result.([]byte), nil
}

func (f *HTTPFetcher) roundTrip(ctx context.Context, method, rawURL, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}

func (f *HTTPFetcher) hostControls(host string) (*gobreaker.CircuitBreaker, *rate.Limiter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	breaker, ok := f.breakers[host]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureStreak
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Info("revocation responder breaker state change",
					observability.String("host", name),
					observability.String("from", from.String()),
					observability.String("to", to.String()),
				)
			},
		})
		f.breakers[host] = breaker
	}

	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(f.rate, f.burst)
		f.limiters[host] = limiter
	}
	return breaker, limiter
}

func (f *HTTPFetcher) classify(rawURL string, err error) error {
	kind := KindDownloadFailed
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindDownloadTimeout
	}
	return &Error{Kind: kind, URL: rawURL, Cause: err}
}

func errOrInvalid(err error) error {
	if err != nil {
		return err
	}
	return errors.New("scheme must be http or https")
}
