package ratelimit

import (
	"math"
	"time"
)

// tokenBucket is the per-key bucket. Callers hold the key lock.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	rate       float64
	lastRefill time.Time
}

func newTokenBucket(cfg TokenBucketConfig, now time.Time) *tokenBucket {
	tokens := cfg.Capacity
	if cfg.InitialTokens != nil {
		tokens = math.Min(*cfg.InitialTokens, cfg.Capacity)
	}
	return &tokenBucket{
		capacity:   cfg.Capacity,
		tokens:     tokens,
		rate:       cfg.RefillRate,
		lastRefill: now,
	}
}

// refill adds elapsed*rate tokens, capped at capacity.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.rate)
	b.lastRefill = now
}

func (b *tokenBucket) canConsume(cost float64) bool {
	return b.tokens >= cost
}

func (b *tokenBucket) consume(cost float64) {
	b.tokens -= cost
}

// available returns the current token count without refilling.
func (b *tokenBucket) available() float64 {
	return b.tokens
}
