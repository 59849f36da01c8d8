package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/retry"
)

// incrementWithExpiryScript increments KEYS[1] by ARGV[1] and sets a TTL of
// ARGV[2] milliseconds when the increment created the key.
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  observability.Logger
	metrics *Metrics

	mu     sync.Mutex
	closed bool
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the connection retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ConnectionRetries is the number of retries after the first failed ping.
	ConnectionRetries int

	Logger  observability.Logger
	Metrics *Metrics
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "admitgw:",
		PoolSize:          10,
		MinIdleConns:      2,
		MaxRetries:        3,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		ConnectionRetries: 5,
	}
}

// NewRedisStoreWithConfig connects to Redis, retrying with jittered backoff.
// Nil config fields take their defaults.
func NewRedisStoreWithConfig(config *RedisConfig) (*RedisStore, error) {
	config = normalizeRedisConfig(config)

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	if err := connectWithRetry(client, config); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{
		client:  client,
		prefix:  config.Prefix,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func normalizeRedisConfig(config *RedisConfig) *RedisConfig {
	defaults := DefaultRedisConfig()
	if config == nil {
		config = defaults
	}
	c := *config

	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.ConnectionRetries < 0 {
		c.ConnectionRetries = 0
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
	return &c
}

func connectWithRetry(client *redis.Client, config *RedisConfig) error {
	totalTimeout := time.Duration(config.ConnectionRetries+1) * config.DialTimeout
	if totalTimeout > 2*time.Minute {
		totalTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), totalTimeout)
	defer cancel()

	policy := &retry.Config{
		MaxRetries:     config.ConnectionRetries,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.MaxBackoff,
		JitterFactor:   retry.DefaultJitterFactor,
	}

	var lastErr error
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		pingCtx, pingCancel := context.WithTimeout(ctx, config.DialTimeout)
		defer pingCancel()

		if lastErr = client.Ping(pingCtx).Err(); lastErr != nil {
			config.Metrics.recordConnectionError()
			return lastErr
		}
		if attempt > 0 {
			config.Logger.Info("redis connection established after retry",
				observability.String("address", config.Address),
				observability.Int("attempt", attempt+1),
			)
		}
		return nil
	}, retry.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
		config.Logger.Debug("redis connection failed, retrying",
			observability.String("address", config.Address),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff),
			observability.Error(err),
		)
		config.Metrics.recordConnectionRetry()
	}))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && !errors.Is(lastErr, context.DeadlineExceeded):
		return fmt.Errorf("redis connection timeout exceeded during backoff: %w", err)
	default:
		return fmt.Errorf("failed to connect to redis after %d attempts: %w", config.ConnectionRetries+1, err)
	}
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// observe records one operation outcome.
func (s *RedisStore) observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, redis.Nil):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.metrics.recordOperation(op, status, time.Since(start))
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis get: %w", err)
	}

	start := time.Now()
	val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
	s.observe("get", start, err)

	if errors.Is(err, redis.Nil) {
		return 0, &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		return 0, fmt.Errorf("redis get error: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}
	return n, nil
}

// GetMulti implements Store with a single MGET.
func (s *RedisStore) GetMulti(ctx context.Context, keys []string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before redis mget: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefixKey(key)
	}

	start := time.Now()
	raw, err := s.client.MGet(ctx, prefixed...).Result()
	s.observe("get_multi", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis mget error: %w", err)
	}

	values := make([]int64, len(keys))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse value of %s: %w", keys[i], err)
		}
		values[i] = n
	}
	return values, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis set: %w", err)
	}

	start := time.Now()
	err := s.client.Set(ctx, s.prefixKey(key), value, expiration).Err()
	s.observe("set", start, err)
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr: %w", err)
	}

	start := time.Now()
	val, err := s.client.IncrBy(ctx, s.prefixKey(key), delta).Result()
	s.observe("increment", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis incr error: %w", err)
	}
	return val, nil
}

// IncrementWithExpiry implements Store atomically via a Lua script.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr with expiry: %w", err)
	}

	ttl := expiration.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	start := time.Now()
	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, ttl).Result()
	s.observe("increment_with_expiry", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis script error: %w", err)
	}

	val, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}
	return val, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis del: %w", err)
	}

	start := time.Now()
	err := s.client.Del(ctx, s.prefixKey(key)).Err()
	s.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Ping checks connectivity, for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store. It is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
