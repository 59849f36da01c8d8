package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
	"github.com/vyrodovalexey/admitgw/internal/trust"
)

const validConfigYAML = `
logging:
  level: debug
  format: console
server:
  address: ":8443"
  readTimeout: 10s
trust:
  enabled: true
  peerHostname: clients.admitgw.internal
  fetchTimeout: 5s
admission:
  enabled: true
  algorithm: token_bucket
  tokenBucket:
    capacity: 5
    refillRate: 1
normalizer:
  maxDepth: 16
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admitgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout.Duration())
	assert.Equal(t, trust.DefaultFetchTimeout, cfg.Trust.FetchTimeout.Duration())
	assert.Equal(t, trust.DefaultCRLCleanupInterval, cfg.Trust.CRLCleanupInterval.Duration())
	assert.Equal(t, "hybrid", cfg.Admission.Algorithm)
	assert.Equal(t, StoreLocal, cfg.Admission.Store)
	assert.Equal(t, ratelimit.DefaultStoreTimeout, cfg.Admission.StoreTimeout.Duration())
	assert.Equal(t, normalize.DefaultMaxDepth, cfg.Normalizer.MaxDepth)
	assert.Equal(t, "admitgw:", cfg.Redis.Prefix)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, ":8443", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout.Duration())
	assert.Equal(t, 5*time.Second, cfg.Trust.FetchTimeout.Duration())
	assert.Equal(t, 16, cfg.Normalizer.MaxDepth)

	rl := cfg.Admission.RateLimit()
	assert.True(t, rl.Enabled)
	assert.Equal(t, ratelimit.AlgorithmTokenBucket, rl.Algorithm)
	assert.Equal(t, 5.0, rl.TokenBucket.Capacity)
	assert.Equal(t, 1.0, rl.TokenBucket.RefillRate)
	assert.NoError(t, rl.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("server:\n  adress: \":80\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte("server:\n  readTimeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestParse_EnvSubstitution(t *testing.T) {
	t.Setenv("ADMITGW_TEST_ADDR", ":7000")
	t.Setenv("ADMITGW_TEST_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(`
server:
  address: "${ADMITGW_TEST_ADDR}"
redis:
  address: "${ADMITGW_TEST_UNSET_REDIS:-redis:6379}"
  password: "${ADMITGW_TEST_PASSWORD}"
  prefix: "gw$$"
`))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
	assert.Equal(t, "gw$", cfg.Redis.Prefix)
}

func TestSubstituteEnvVars_UnsetWithoutDefault(t *testing.T) {
	assert.Equal(t, "a::b", substituteEnvVars("a:${ADMITGW_TEST_NEVER_SET}:b"))
}

func TestValidate_ListsEveryField(t *testing.T) {
	_, err := Parse([]byte(`
logging:
  level: loud
tracing:
  samplingRate: 2
admission:
  enabled: true
  algorithm: leaky
  store: etcd
normalizer:
  maxDepth: -1
`))
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{
		"logging.level",
		"tracing.samplingRate",
		"admission.store",
		"admission.algorithm",
		"normalizer.maxDepth",
	}, verr.Paths())
	assert.True(t, strings.HasPrefix(err.Error(), "invalid configuration: 5 errors:"))
}

func TestValidate_AdmissionLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission.Enabled = true
	cfg.Admission.Algorithm = "sliding_window"
	cfg.Admission.SlidingWindow.MaxRequests = -3

	err := cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "admission", verr.Fields[0].Path)
	assert.Equal(t, "max requests must be positive", verr.Fields[0].Message)
}

func TestValidate_RedisOnlyWhenUsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Address = ""
	assert.NoError(t, cfg.Validate())

	cfg.Admission.Enabled = true
	cfg.Admission.Store = StoreRedis
	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, []string{"redis.address"}, verr.Paths())
}

func TestValidate_TLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.TLS = &TLSConfig{ClientCAFile: "ca.pem"}

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, []string{"server.tls.certFile", "server.tls.keyFile"}, verr.Paths())
}

func TestRedisStoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Address = "redis:6380"
	cfg.Redis.DB = 2

	sc := cfg.Redis.StoreConfig(nil, nil)
	assert.Equal(t, "redis:6380", sc.Address)
	assert.Equal(t, 2, sc.DB)
	assert.Equal(t, "admitgw:", sc.Prefix)
	assert.Equal(t, cfg.Redis.DialTimeout.Duration(), sc.DialTimeout)
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.OTLPEndpoint = "collector:4317"

	tc := cfg.TracerConfig()
	assert.True(t, tc.Enabled)
	assert.Equal(t, "collector:4317", tc.OTLPEndpoint)
	assert.Equal(t, "admitgw", tc.ServiceName)

	lc := cfg.LogConfig()
	assert.Equal(t, "info", lc.Level)
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
	assert.Equal(t, "1m30s", Duration(90*time.Second).String())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validConfigYAML)

	var mu sync.Mutex
	var received *Config
	called := make(chan struct{}, 1)

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		received = cfg
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, 16, w.Current().Normalizer.MaxDepth)

	updated := strings.Replace(validConfigYAML, "maxDepth: 16", "maxDepth: 32", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case <-called:
		mu.Lock()
		assert.Equal(t, 32, received.Normalizer.MaxDepth)
		mu.Unlock()
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not called after file change")
	}
	assert.Equal(t, 32, w.Current().Normalizer.MaxDepth)

	require.NoError(t, w.Stop())
}

func TestWatcher_InvalidChangeKeepsPrevious(t *testing.T) {
	path := writeConfig(t, validConfigYAML)

	errs := make(chan error, 1)
	w, err := NewWatcher(path, func(*Config) {
		t.Error("callback must not run for an invalid file")
	}, WithDebounceDelay(50*time.Millisecond), WithErrorCallback(func(err error) {
		select {
		case errs <- err:
		default:
		}
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))

	select {
	case err := <-errs:
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	case <-time.After(2 * time.Second):
		t.Fatal("error callback was not called")
	}
	assert.Equal(t, 16, w.Current().Normalizer.MaxDepth)

	require.NoError(t, w.Stop())
}

func TestWatcher_StartInvalidFile(t *testing.T) {
	w, err := NewWatcher(writeConfig(t, "logging: [\n"), nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
}

func TestValidate_Executor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ExecutorEcho, cfg.Executor.Type)
	assert.Equal(t, 10*time.Second, cfg.Executor.Timeout.Duration())

	cfg.Executor.Type = ExecutorUpstream
	cfg.Executor.URL = "backend:8080"
	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, []string{"executor.url"}, verr.Paths())

	cfg.Executor.URL = "http://backend:8080/rpc"
	assert.NoError(t, cfg.Validate())

	cfg.Executor.Type = "grpc"
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, []string{"executor.type"}, verr.Paths())
}

func TestValidate_TrustNeedsPeerHostname(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trust.Enabled = true

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, []string{"trust.peerHostname"}, verr.Paths())
}

func TestExecutorRetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executor.Retry.MaxRetries = 1
	p := cfg.Executor.RetryPolicy()
	assert.Equal(t, 1, p.MaxRetries)
	assert.Equal(t, cfg.Executor.Retry.MaxBackoff.Duration(), p.MaxBackoff)
}

func TestValidate_TrustedProxies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1", "::1", "proxy.local"}

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, []string{"server.trustedProxies[3]"}, verr.Paths())
}
