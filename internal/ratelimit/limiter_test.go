package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{in: "", want: AlgorithmHybrid},
		{in: "token_bucket", want: AlgorithmTokenBucket},
		{in: " Sliding_Window ", want: AlgorithmSlidingWindow},
		{in: "hybrid", want: AlgorithmHybrid},
		{in: "fixed_window", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown algorithm", mutate: func(c *Config) { c.Algorithm = "leaky" }},
		{name: "zero capacity", mutate: func(c *Config) { c.TokenBucket.Capacity = 0 }},
		{name: "negative rate", mutate: func(c *Config) { c.TokenBucket.RefillRate = -1 }},
		{name: "initial above capacity", mutate: func(c *Config) { c.TokenBucket.InitialTokens = floatPtr(1000) }},
		{name: "zero window", mutate: func(c *Config) { c.SlidingWindow.WindowSize = 0 }},
		{name: "zero max requests", mutate: func(c *Config) { c.SlidingWindow.MaxRequests = 0 }},
		{name: "zero sub-windows", mutate: func(c *Config) { c.SlidingWindow.SubWindows = 0 }},
		{name: "sub-windows finer than a nanosecond", mutate: func(c *Config) {
			c.SlidingWindow.WindowSize = 3
			c.SlidingWindow.SubWindows = 5
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := NewController(cfg)
			assert.Error(t, err)
		})
	}

	t.Run("unused sub-algorithm is not validated", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Algorithm = AlgorithmTokenBucket
		cfg.SlidingWindow = SlidingWindowConfig{}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled skips validation", func(t *testing.T) {
		assert.NoError(t, Config{}.Validate())
	})
}

func TestSlidingWindow_Advance(t *testing.T) {
	start := time.Unix(0, 0)
	w := newSlidingWindow(SlidingWindowConfig{WindowSize: 10 * time.Second, MaxRequests: 100, SubWindows: 5}, start)

	w.add(1)
	w.advance(start.Add(2 * time.Second))
	w.add(2)
	w.advance(start.Add(5 * time.Second))
	w.add(3)
	assert.Equal(t, []int64{1, 2, 3, 0, 0}, w.counts)
	assert.Equal(t, 2, w.current)
	assert.Equal(t, start.Add(4*time.Second), w.sliceStart)

	w.advance(start.Add(11 * time.Second))
	assert.Equal(t, []int64{0, 2, 3, 0, 0}, w.counts, "slices 3, 4 and 0 are zeroed")
	assert.Equal(t, int64(5), w.sum())

	w.advance(start.Add(time.Minute))
	assert.Zero(t, w.sum())

	w.advance(start)
	assert.Zero(t, w.sum(), "a clock going backwards is ignored")
}

func TestTokenBucket_Refill(t *testing.T) {
	start := time.Unix(0, 0)
	b := newTokenBucket(TokenBucketConfig{Capacity: 4, RefillRate: 2, InitialTokens: floatPtr(0)}, start)

	assert.False(t, b.canConsume(1))
	b.refill(start.Add(750 * time.Millisecond))
	assert.InDelta(t, 1.5, b.available(), 1e-9)
	b.consume(1)
	b.refill(start.Add(10 * time.Second))
	assert.InDelta(t, 4, b.available(), 1e-9)
	b.refill(start)
	assert.InDelta(t, 4, b.available(), 1e-9)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key{Scope: ScopePeer, Endpoint: "/a", Peer: "p"}, NewKey("/a", "p"))
	assert.Equal(t, Key{Scope: ScopeEndpoint, Endpoint: "/a"}, NewKey("/a", ""))
	assert.Equal(t, "peer:2:/a:p", NewKey("/a", "p").String())
	assert.Equal(t, "endpoint:/a", NewKey("/a", "").String())
	assert.NotEqual(t, NewKey("/a:b", "c").String(), NewKey("/a", "b:c").String())
}
