// Package ratelimit implements the admission controller: per-key token bucket,
// sliding window, or both combined with a logical AND.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Algorithm selects which sub-algorithms gate admission.
type Algorithm string

const (
	// AlgorithmTokenBucket admits while the bucket holds enough tokens.
	AlgorithmTokenBucket Algorithm = "token_bucket"

	// AlgorithmSlidingWindow admits while the window sum stays within the limit.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmHybrid admits only when both the bucket and the window admit.
	AlgorithmHybrid Algorithm = "hybrid"
)

// ErrInvalidConfig is returned for an unusable limiter configuration.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// ParseAlgorithm parses an algorithm name. An empty name selects hybrid.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AlgorithmHybrid, nil
	case AlgorithmTokenBucket, AlgorithmSlidingWindow, AlgorithmHybrid:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, s)
	}
}

func (a Algorithm) usesBucket() bool {
	return a == AlgorithmTokenBucket || a == AlgorithmHybrid
}

func (a Algorithm) usesWindow() bool {
	return a == AlgorithmSlidingWindow || a == AlgorithmHybrid
}

// TokenBucketConfig configures the token bucket.
type TokenBucketConfig struct {
	// Capacity is the maximum number of tokens.
	Capacity float64

	// RefillRate is tokens added per second.
	RefillRate float64

	// InitialTokens is the fill level of a new bucket. Nil starts full.
	InitialTokens *float64
}

// SlidingWindowConfig configures the sliding window.
type SlidingWindowConfig struct {
	WindowSize  time.Duration
	MaxRequests int64
	SubWindows  int
}

// Config configures a Controller.
type Config struct {
	Enabled       bool
	Algorithm     Algorithm
	TokenBucket   TokenBucketConfig
	SlidingWindow SlidingWindowConfig
}

// DefaultConfig returns an enabled hybrid configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Algorithm: AlgorithmHybrid,
		TokenBucket: TokenBucketConfig{
			Capacity:   100,
			RefillRate: 10,
		},
		SlidingWindow: SlidingWindowConfig{
			WindowSize:  time.Minute,
			MaxRequests: 600,
			SubWindows:  6,
		},
	}
}

// Validate checks the parameters of the sub-algorithms the configuration uses.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	algorithm, err := ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return err
	}

	if algorithm.usesBucket() {
		tb := c.TokenBucket
		if tb.Capacity <= 0 {
			return fmt.Errorf("%w: token bucket capacity must be positive", ErrInvalidConfig)
		}
		if tb.RefillRate < 0 {
			return fmt.Errorf("%w: token bucket refill rate must not be negative", ErrInvalidConfig)
		}
		if tb.InitialTokens != nil && (*tb.InitialTokens < 0 || *tb.InitialTokens > tb.Capacity) {
			return fmt.Errorf("%w: initial tokens must be within [0, capacity]", ErrInvalidConfig)
		}
	}

	if algorithm.usesWindow() {
		sw := c.SlidingWindow
		if sw.WindowSize <= 0 {
			return fmt.Errorf("%w: window size must be positive", ErrInvalidConfig)
		}
		if sw.MaxRequests <= 0 {
			return fmt.Errorf("%w: max requests must be positive", ErrInvalidConfig)
		}
		if sw.SubWindows <= 0 {
			return fmt.Errorf("%w: sub-windows must be positive", ErrInvalidConfig)
		}
		if sw.WindowSize/time.Duration(sw.SubWindows) <= 0 {
			return fmt.Errorf("%w: window too short for %d sub-windows", ErrInvalidConfig, sw.SubWindows)
		}
	}
	return nil
}
