package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxRetries is the default number of attempts after the first.
	DefaultMaxRetries = 3

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultJitterFactor is the default jitter factor (25%).
	DefaultJitterFactor = 0.25

	// MaxJitterFactor is the maximum allowed jitter factor.
	MaxJitterFactor = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the number of attempts after the first one. Zero means
	// the operation runs once.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. Non-positive values
	// take DefaultInitialBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait. Non-positive values take DefaultMaxBackoff.
	MaxBackoff time.Duration

	// JitterFactor adds up to this fraction of the backoff at random.
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// Backoff returns the wait before retry number attempt+1.
func (c *Config) Backoff(attempt int) time.Duration {
	initial, maxBackoff := DefaultInitialBackoff, DefaultMaxBackoff
	jitterFactor := 0.0
	if c != nil {
		if c.InitialBackoff > 0 {
			initial = c.InitialBackoff
		}
		if c.MaxBackoff > 0 {
			maxBackoff = c.MaxBackoff
		}
		jitterFactor = min(max(c.JitterFactor, 0), MaxJitterFactor)
	}
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(initial) * math.Pow(2, float64(attempt))
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Func is one attempt. attempt starts at 0.
type Func func(ctx context.Context, attempt int) error

// ShouldRetryFunc reports whether err is worth another attempt.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry with the upcoming attempt number.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

type options struct {
	shouldRetry ShouldRetryFunc
	onRetry     OnRetryFunc
}

// Option configures Do.
type Option func(*options)

// WithShouldRetry limits retries to errors for which fn returns true.
func WithShouldRetry(fn ShouldRetryFunc) Option {
	return func(o *options) {
		o.shouldRetry = fn
	}
}

// WithOnRetry sets a callback invoked before each retry.
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// PermanentError stops Do from retrying.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not retryable. Do returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do runs fn until it succeeds or retries are exhausted, and returns the
// last error. The context error is returned if ctx ends first.
func Do(ctx context.Context, cfg *Config, fn Func, opts ...Option) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	maxRetries := max(cfg.MaxRetries, 0)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		var permanent *PermanentError
		if errors.As(lastErr, &permanent) {
			return permanent.Err
		}
		if o.shouldRetry != nil && !o.shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		backoff := cfg.Backoff(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt+1, lastErr, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
