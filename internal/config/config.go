package config

import (
	"time"

	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/admitgw/internal/retry"
	"github.com/vyrodovalexey/admitgw/internal/trust"
)

// Config is one snapshot of the gateway configuration file.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`
	Trust      TrustConfig      `yaml:"trust"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Redis      RedisConfig      `yaml:"redis"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string     `yaml:"address"`
	ReadTimeout     Duration   `yaml:"readTimeout"`
	WriteTimeout    Duration   `yaml:"writeTimeout"`
	IdleTimeout     Duration   `yaml:"idleTimeout"`
	ShutdownTimeout Duration   `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64      `yaml:"maxBodyBytes"`
	TLS             *TLSConfig `yaml:"tls,omitempty"`
	// TrustedProxies lists CIDRs or IPs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trustedProxies,omitempty"`
}

// TLSConfig enables TLS on the listener. With ClientCAFile set, peers must
// present a certificate.
type TLSConfig struct {
	CertFile     string `yaml:"certFile"`
	KeyFile      string `yaml:"keyFile"`
	ClientCAFile string `yaml:"clientCAFile"`
}

// TrustConfig configures peer certificate verification.
type TrustConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RootsFile string `yaml:"rootsFile"`
	// PeerHostname is the identity every client certificate must carry.
	PeerHostname        string   `yaml:"peerHostname"`
	FetchTimeout        Duration `yaml:"fetchTimeout"`
	OCSPFreshness       Duration `yaml:"ocspFreshness"`
	CRLFreshness        Duration `yaml:"crlFreshness"`
	OCSPCleanupInterval Duration `yaml:"ocspCleanupInterval"`
	CRLCleanupInterval  Duration `yaml:"crlCleanupInterval"`
	MaxCRLBytes         int64    `yaml:"maxCRLBytes"`
	HostRate            float64  `yaml:"hostRate"`
	HostBurst           int      `yaml:"hostBurst"`
}

// AdmissionConfig configures rate limiting.
type AdmissionConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Algorithm     string              `yaml:"algorithm"`
	TokenBucket   TokenBucketConfig   `yaml:"tokenBucket"`
	SlidingWindow SlidingWindowConfig `yaml:"slidingWindow"`
	// Store is "local" (default), "memory" or "redis".
	Store        string   `yaml:"store"`
	StoreTimeout Duration `yaml:"storeTimeout"`
	// PerPeer keys limits by endpoint and peer instead of endpoint alone.
	PerPeer bool `yaml:"perPeer"`
}

// TokenBucketConfig configures the token bucket.
type TokenBucketConfig struct {
	Capacity      float64  `yaml:"capacity"`
	RefillRate    float64  `yaml:"refillRate"`
	InitialTokens *float64 `yaml:"initialTokens,omitempty"`
}

// SlidingWindowConfig configures the sliding window.
type SlidingWindowConfig struct {
	WindowSize  Duration `yaml:"windowSize"`
	MaxRequests int64    `yaml:"maxRequests"`
	SubWindows  int      `yaml:"subWindows"`
}

// NormalizerConfig configures protocol normalization.
type NormalizerConfig struct {
	MaxDepth          int `yaml:"maxDepth"`
	FragmentCacheSize int `yaml:"fragmentCacheSize"`
}

// ExecutorConfig selects what answers normalized requests.
type ExecutorConfig struct {
	// Type is "echo" (default) or "upstream".
	Type string `yaml:"type"`
	// URL receives JSON-RPC POSTs when Type is "upstream".
	URL            string               `yaml:"url"`
	Timeout        Duration             `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RetryConfig configures upstream retries.
type RetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
}

// CircuitBreakerConfig configures the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32   `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// RedisConfig configures the shared admission store.
type RedisConfig struct {
	Address           string   `yaml:"address"`
	Password          string   `yaml:"password"`
	DB                int      `yaml:"db"`
	Prefix            string   `yaml:"prefix"`
	PoolSize          int      `yaml:"poolSize"`
	DialTimeout       Duration `yaml:"dialTimeout"`
	ReadTimeout       Duration `yaml:"readTimeout"`
	WriteTimeout      Duration `yaml:"writeTimeout"`
	ConnectionRetries int      `yaml:"connectionRetries"`
}

// Executor kinds.
const (
	ExecutorEcho     = "echo"
	ExecutorUpstream = "upstream"
)

// Admission store kinds.
const (
	StoreLocal  = "local"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	logDefaults := observability.DefaultLogConfig()
	setDefault(&c.Logging.Level, logDefaults.Level)
	setDefault(&c.Logging.Format, logDefaults.Format)
	setDefault(&c.Logging.Output, logDefaults.Output)

	setDefault(&c.Tracing.ServiceName, "admitgw")
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}

	setDefault(&c.Metrics.Address, ":9090")
	setDefault(&c.Metrics.Path, "/metrics")
	setDefault(&c.Metrics.Namespace, "admitgw")

	setDefault(&c.Server.Address, ":8080")
	setDefaultDuration(&c.Server.ReadTimeout, 30*time.Second)
	setDefaultDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDefaultDuration(&c.Server.IdleTimeout, 2*time.Minute)
	setDefaultDuration(&c.Server.ShutdownTimeout, 15*time.Second)
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}

	setDefaultDuration(&c.Trust.FetchTimeout, trust.DefaultFetchTimeout)
	setDefaultDuration(&c.Trust.OCSPFreshness, trust.DefaultOCSPFreshness)
	setDefaultDuration(&c.Trust.CRLFreshness, trust.DefaultCRLFreshness)
	setDefaultDuration(&c.Trust.OCSPCleanupInterval, trust.DefaultOCSPCleanupInterval)
	setDefaultDuration(&c.Trust.CRLCleanupInterval, trust.DefaultCRLCleanupInterval)
	if c.Trust.MaxCRLBytes == 0 {
		c.Trust.MaxCRLBytes = trust.DefaultMaxCRLSize
	}
	if c.Trust.HostRate == 0 {
		c.Trust.HostRate = trust.DefaultHostRate
	}
	if c.Trust.HostBurst == 0 {
		c.Trust.HostBurst = trust.DefaultHostBurst
	}

	rl := ratelimit.DefaultConfig()
	setDefault(&c.Admission.Algorithm, string(rl.Algorithm))
	if c.Admission.TokenBucket.Capacity == 0 && c.Admission.TokenBucket.RefillRate == 0 {
		c.Admission.TokenBucket.Capacity = rl.TokenBucket.Capacity
		c.Admission.TokenBucket.RefillRate = rl.TokenBucket.RefillRate
	}
	if c.Admission.SlidingWindow.WindowSize == 0 && c.Admission.SlidingWindow.MaxRequests == 0 {
		c.Admission.SlidingWindow.WindowSize = Duration(rl.SlidingWindow.WindowSize)
		c.Admission.SlidingWindow.MaxRequests = rl.SlidingWindow.MaxRequests
	}
	if c.Admission.SlidingWindow.SubWindows == 0 {
		c.Admission.SlidingWindow.SubWindows = rl.SlidingWindow.SubWindows
	}
	setDefault(&c.Admission.Store, StoreLocal)
	setDefaultDuration(&c.Admission.StoreTimeout, ratelimit.DefaultStoreTimeout)

	if c.Normalizer.MaxDepth == 0 {
		c.Normalizer.MaxDepth = normalize.DefaultMaxDepth
	}
	if c.Normalizer.FragmentCacheSize == 0 {
		c.Normalizer.FragmentCacheSize = normalize.DefaultFragmentCacheSize
	}

	setDefault(&c.Executor.Type, ExecutorEcho)
	setDefaultDuration(&c.Executor.Timeout, 10*time.Second)
	if c.Executor.Retry.MaxRetries == 0 {
		c.Executor.Retry.MaxRetries = retry.DefaultMaxRetries
	}
	setDefaultDuration(&c.Executor.Retry.InitialBackoff, retry.DefaultInitialBackoff)
	setDefaultDuration(&c.Executor.Retry.MaxBackoff, 2*time.Second)
	if c.Executor.CircuitBreaker.Threshold == 0 {
		c.Executor.CircuitBreaker.Threshold = 5
	}
	setDefaultDuration(&c.Executor.CircuitBreaker.Timeout, 30*time.Second)

	redisDefaults := store.DefaultRedisConfig()
	setDefault(&c.Redis.Address, redisDefaults.Address)
	setDefault(&c.Redis.Prefix, redisDefaults.Prefix)
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = redisDefaults.PoolSize
	}
	setDefaultDuration(&c.Redis.DialTimeout, redisDefaults.DialTimeout)
	setDefaultDuration(&c.Redis.ReadTimeout, redisDefaults.ReadTimeout)
	setDefaultDuration(&c.Redis.WriteTimeout, redisDefaults.WriteTimeout)
	if c.Redis.ConnectionRetries == 0 {
		c.Redis.ConnectionRetries = redisDefaults.ConnectionRetries
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setDefaultDuration(field *Duration, value time.Duration) {
	if *field == 0 {
		*field = Duration(value)
	}
}

// LogConfig converts the logging section.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TracerConfig converts the tracing section.
func (c *Config) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		Enabled:      c.Tracing.Enabled,
		ServiceName:  c.Tracing.ServiceName,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SamplingRate: c.Tracing.SamplingRate,
	}
}

// RateLimit converts the admission section.
func (a *AdmissionConfig) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Enabled:   a.Enabled,
		Algorithm: ratelimit.Algorithm(a.Algorithm),
		TokenBucket: ratelimit.TokenBucketConfig{
			Capacity:      a.TokenBucket.Capacity,
			RefillRate:    a.TokenBucket.RefillRate,
			InitialTokens: a.TokenBucket.InitialTokens,
		},
		SlidingWindow: ratelimit.SlidingWindowConfig{
			WindowSize:  a.SlidingWindow.WindowSize.Duration(),
			MaxRequests: a.SlidingWindow.MaxRequests,
			SubWindows:  a.SlidingWindow.SubWindows,
		},
	}
}

// StoreConfig converts the redis section.
func (r *RedisConfig) StoreConfig(logger observability.Logger, metrics *store.Metrics) *store.RedisConfig {
	cfg := store.DefaultRedisConfig()
	cfg.Address = r.Address
	cfg.Password = r.Password
	cfg.DB = r.DB
	cfg.Prefix = r.Prefix
	cfg.PoolSize = r.PoolSize
	cfg.DialTimeout = r.DialTimeout.Duration()
	cfg.ReadTimeout = r.ReadTimeout.Duration()
	cfg.WriteTimeout = r.WriteTimeout.Duration()
	cfg.ConnectionRetries = r.ConnectionRetries
	cfg.Logger = logger
	cfg.Metrics = metrics
	return cfg
}

// RetryPolicy converts the executor retry section.
func (e *ExecutorConfig) RetryPolicy() *retry.Config {
	return &retry.Config{
		MaxRetries:     e.Retry.MaxRetries,
		InitialBackoff: e.Retry.InitialBackoff.Duration(),
		MaxBackoff:     e.Retry.MaxBackoff.Duration(),
		JitterFactor:   retry.DefaultJitterFactor,
	}
}
