package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/retry"
)

// Upstream defaults.
const (
	DefaultUpstreamTimeout     = 10 * time.Second
	DefaultMaxUpstreamResponse = 8 << 20
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenTimeout  = 30 * time.Second
	upstreamContentType        = "application/json"
)

// UpstreamExecutor forwards the canonical JSON-RPC request to an HTTP endpoint.
// Transport failures and 5xx answers are retried with backoff. A circuit
// breaker stops calls after a run of consecutive failures.
type UpstreamExecutor struct {
	url      string
	client   *http.Client
	retry    *retry.Config
	breaker  *gobreaker.CircuitBreaker
	maxBytes int64
	logger   observability.Logger
	metrics  *Metrics

	breakerThreshold uint32
	breakerTimeout   time.Duration
}

// UpstreamOption configures an UpstreamExecutor.
type UpstreamOption func(*UpstreamExecutor)

// WithUpstreamClient sets the HTTP client.
func WithUpstreamClient(client *http.Client) UpstreamOption {
	return func(e *UpstreamExecutor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithUpstreamRetry sets the retry policy.
func WithUpstreamRetry(cfg *retry.Config) UpstreamOption {
	return func(e *UpstreamExecutor) {
		if cfg != nil {
			e.retry = cfg
		}
	}
}

// WithUpstreamBreaker opens the breaker after threshold consecutive failures
// and probes again after timeout.
func WithUpstreamBreaker(threshold uint32, timeout time.Duration) UpstreamOption {
	return func(e *UpstreamExecutor) {
		if threshold > 0 {
			e.breakerThreshold = threshold
		}
		if timeout > 0 {
			e.breakerTimeout = timeout
		}
	}
}

// WithMaxResponseSize bounds the upstream response body.
func WithMaxResponseSize(n int64) UpstreamOption {
	return func(e *UpstreamExecutor) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

// WithUpstreamLogger sets the logger.
func WithUpstreamLogger(logger observability.Logger) UpstreamOption {
	return func(e *UpstreamExecutor) {
		e.logger = logger
	}
}

// WithUpstreamMetrics sets the metrics sink.
func WithUpstreamMetrics(metrics *Metrics) UpstreamOption {
	return func(e *UpstreamExecutor) {
		e.metrics = metrics
	}
}

// NewUpstreamExecutor creates an executor posting to url.
func NewUpstreamExecutor(url string, opts ...UpstreamOption) *UpstreamExecutor {
	e := &UpstreamExecutor{
		url:              url,
		client:           &http.Client{Timeout: DefaultUpstreamTimeout},
		retry:            retry.DefaultConfig(),
		maxBytes:         DefaultMaxUpstreamResponse,
		logger:           observability.NopLogger(),
		breakerThreshold: DefaultBreakerThreshold,
		breakerTimeout:   DefaultBreakerOpenTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	threshold := e.breakerThreshold
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    url,
		Timeout: e.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var status *upstreamStatusError
			return err == nil || (errors.As(err, &status) && status.code < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("upstream breaker state change",
				observability.String("upstream", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			e.metrics.setBreakerState(to)
		},
	})
	return e
}

// Execute implements Executor.
func (e *UpstreamExecutor) Execute(ctx context.Context, req *normalize.NormalizedRequest) ([]byte, error) {
	body, err := req.JSONRPC()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var response []byte
	err = retry.Do(ctx, e.retry, func(ctx context.Context, _ int) error {
		out, err := e.breaker.Execute(func() (any, error) {
			return e.post(ctx, body)
		})
		if err != nil {
			e.metrics.recordUpstream(upstreamResult(err))
			return err
		}
		e.metrics.recordUpstream("ok")
		response = out.([]byte)
		return nil
	}, retry.WithShouldRetry(retryable), retry.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
		e.logger.WithContext(ctx).Debug("retrying upstream call",
			observability.String("method", req.Method),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff),
			observability.Error(err),
		)
	}))
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (e *UpstreamExecutor) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", upstreamContentType)
	req.Header.Set("Accept", upstreamContentType)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &upstreamStatusError{code: resp.StatusCode}
	}
	if int64(len(data)) > e.maxBytes {
		return nil, fmt.Errorf("upstream response exceeds %d bytes", e.maxBytes)
	}
	return data, nil
}

type upstreamStatusError struct {
	code int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("%s: %d", ErrUpstreamStatus.Error(), e.code)
}

func (e *upstreamStatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	var status *upstreamStatusError
	if errors.As(err, &status) {
		return status.code >= http.StatusInternalServerError
	}
	return true
}

func upstreamResult(err error) string {
	var status *upstreamStatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &status):
		return fmt.Sprintf("status_%dxx", status.code/100)
	default:
		return "transport_error"
	}
}
