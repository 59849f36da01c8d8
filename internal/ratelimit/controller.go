package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit/store"
)

// DefaultStoreTimeout bounds each shared store round trip.
const DefaultStoreTimeout = 50 * time.Millisecond

// Checker decides whether a request may proceed.
type Checker interface {
	Check(ctx context.Context, endpoint, peer string, cost int) bool
}

// NoopChecker admits everything.
type NoopChecker struct{}

// Check implements Checker.
func (NoopChecker) Check(context.Context, string, string, int) bool { return true }

var (
	_ Checker = (*Controller)(nil)
	_ Checker = NoopChecker{}
)

// keyState is the limiter state of one key. Only the sub-algorithms in use are set.
type keyState struct {
	mu     sync.Mutex
	bucket *tokenBucket
	window *slidingWindow
}

// Controller admits requests per key. Keys are created on first use and never evicted.
type Controller struct {
	enabled   bool
	algorithm Algorithm
	bucketCfg TokenBucketConfig
	windowCfg SlidingWindowConfig

	store        store.Store
	storeTimeout time.Duration
	now          func() time.Time
	logger       observability.Logger
	metrics      *Metrics

	states sync.Map
	keys   atomic.Int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore keeps sliding window counters in a shared store so that several
// instances enforce one limit. Token buckets stay local.
func WithStore(s store.Store) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithStoreTimeout bounds each store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// NewController validates cfg and creates a Controller.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	algorithm := AlgorithmHybrid
	if cfg.Enabled {
		algorithm, _ = ParseAlgorithm(string(cfg.Algorithm))
	}

	c := &Controller{
		enabled:      cfg.Enabled,
		algorithm:    algorithm,
		bucketCfg:    cfg.TokenBucket,
		windowCfg:    cfg.SlidingWindow,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Algorithm returns the configured algorithm.
func (c *Controller) Algorithm() Algorithm {
	return c.algorithm
}

// Keys returns the number of keys seen so far.
func (c *Controller) Keys() int {
	return int(c.keys.Load())
}

// Check reports whether a request of the given cost is admitted for endpoint
// and, when set, peer. A cost below 1 counts as 1. A denial spends nothing.
func (c *Controller) Check(ctx context.Context, endpoint, peer string, cost int) bool {
	if !c.enabled {
		return true
	}
	if cost <= 0 {
		cost = 1
	}

	key := NewKey(endpoint, peer)
	allowed := c.admit(ctx, key, c.state(key), int64(cost))

	c.metrics.recordDecision(c.algorithm, key.Scope, allowed)
	if !allowed {
		c.logger.Debug("request denied by rate limit",
			observability.String("key", key.String()),
			observability.String("algorithm", string(c.algorithm)),
			observability.Int("cost", cost),
		)
	}
	return allowed
}

func (c *Controller) state(key Key) *keyState {
	if v, ok := c.states.Load(key); ok {
		return v.(*keyState)
	}

	now := c.now()
	s := &keyState{}
	if c.algorithm.usesBucket() {
		s.bucket = newTokenBucket(c.bucketCfg, now)
	}
	if c.algorithm.usesWindow() && c.store == nil {
		s.window = newSlidingWindow(c.windowCfg, now)
	}

	actual, loaded := c.states.LoadOrStore(key, s)
	if !loaded {
		c.metrics.setActiveKeys(c.keys.Add(1))
	}
	return actual.(*keyState)
}

// admit evaluates every sub-algorithm in use and commits only if all admit.
func (c *Controller) admit(ctx context.Context, key Key, s *keyState, cost int64) bool {
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucket != nil {
		s.bucket.refill(now)
		if !s.bucket.canConsume(float64(cost)) {
			return false
		}
	}

	switch {
	case s.window != nil:
		s.window.advance(now)
		if !s.window.canAdmit(cost) {
			return false
		}
		s.window.add(cost)
	case c.store != nil && c.algorithm.usesWindow():
		if !c.admitShared(ctx, key, now, cost) {
			return false
		}
	}

	if s.bucket != nil {
		s.bucket.consume(float64(cost))
	}
	return true
}

// admitShared runs the sliding window against the shared store. Slot keys are
// <key>:sw:<absolute slice number>. Store failures admit.
func (c *Controller) admitShared(ctx context.Context, key Key, now time.Time, cost int64) bool {
	slice := c.windowCfg.WindowSize / time.Duration(c.windowCfg.SubWindows)
	current := now.UnixNano() / int64(slice)

	slots := make([]string, c.windowCfg.SubWindows)
	for i := range slots {
		slots[i] = fmt.Sprintf("%s:sw:%d", key, current-int64(i))
	}

	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	counts, err := c.store.GetMulti(ctx, slots)
	if err != nil {
		c.storeFailure(ctx, "get_multi", key, err)
		return true
	}

	var sum int64
	for _, n := range counts {
		sum += n
	}
	if cost > c.windowCfg.MaxRequests-sum {
		return false
	}

	if _, err := c.store.IncrementWithExpiry(ctx, slots[0], cost, c.windowCfg.WindowSize+slice); err != nil {
		c.storeFailure(ctx, "increment", key, err)
	}
	return true
}

func (c *Controller) storeFailure(ctx context.Context, op string, key Key, err error) {
	c.metrics.recordStoreFailure(op)
	c.logger.WithContext(ctx).Warn("rate limit store unavailable, admitting request",
		observability.String("operation", op),
		observability.String("key", key.String()),
		observability.Error(err),
	)
}
