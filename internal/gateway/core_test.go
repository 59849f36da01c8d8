package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
	"github.com/vyrodovalexey/admitgw/internal/trust"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
		cfg.ApplyDefaults()
	}
	return cfg
}

func bucketConfig(capacity float64, perPeer bool) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Admission.Enabled = true
		cfg.Admission.Algorithm = string(ratelimit.AlgorithmTokenBucket)
		cfg.Admission.TokenBucket.Capacity = capacity
		cfg.Admission.TokenBucket.RefillRate = 0.0001
		cfg.Admission.PerPeer = perPeer
	}
}

func newTestCore(t *testing.T, cfg *config.Config, opts ...Option) *Core {
	t.Helper()
	core, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func jsonRPC(method string) []byte {
	return []byte(`{"jsonrpc":"2.0","method":"` + method + `","params":{"a":1},"id":7}`)
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

// selfSigned issues a certificate without revocation endpoints.
func selfSigned(t *testing.T, cn string, dnsNames ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilConfig)
}

func TestNew_InvalidAdmission(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Admission.Enabled = true
	cfg.Admission.Algorithm = "leaky"

	_, err := New(cfg)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
}

func TestProcess_JSONRPCEcho(t *testing.T) {
	core := newTestCore(t, testConfig(nil))

	res, err := core.Process(context.Background(), &Request{
		Endpoint: "/rpc",
		Peer:     "10.0.0.1",
		Payload:  jsonRPC("tools/list"),
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.ContentType())
	assert.Equal(t, normalize.ProtocolJSONRPC, res.Request.Origin.Protocol)

	body := decode(t, res.Body)
	assert.Equal(t, "2.0", body["jsonrpc"])
	assert.Equal(t, float64(7), body["id"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "tools/list", result["method"])
	assert.Equal(t, map[string]any{"a": float64(1)}, result["params"])
}

func TestProcess_GraphQL(t *testing.T) {
	core := newTestCore(t, testConfig(nil))

	res, err := core.Process(context.Background(), &Request{
		Endpoint:    "/graphql",
		ContentType: normalize.ContentTypeGraphQL,
		Payload:     []byte(`query { user { id ...Contact } } fragment Contact on User { email }`),
	})
	require.NoError(t, err)
	assert.Equal(t, normalize.ProtocolGraphQL, res.Request.Origin.Protocol)

	body := decode(t, res.Body)
	require.Contains(t, body, "data")
	data := body["data"].(map[string]any)
	assert.Equal(t, normalize.DefaultMethod, data["method"])
	assert.Equal(t, []any{"user", "id", "email"}, data["fields"])
}

func TestProcess_Binary(t *testing.T) {
	core := newTestCore(t, testConfig(nil))

	frame, err := normalize.EncodeBinary(&normalize.BinaryMessage{
		RequestID: "req-1",
		Method:    "tools/call",
		Fields:    []string{"id"},
	})
	require.NoError(t, err)

	res, err := core.Process(context.Background(), &Request{
		Endpoint:    "/",
		ContentType: normalize.ContentTypeBinary,
		Payload:     frame,
	})
	require.NoError(t, err)
	assert.Equal(t, normalize.ContentTypeBinary, res.ContentType())

	msg, err := normalize.DecodeBinary(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.Zero(t, msg.Status)
	assert.Equal(t, "tools/call", msg.Params["method"])
}

func TestProcess_AdmissionDenied(t *testing.T) {
	core := newTestCore(t, testConfig(bucketConfig(2, false)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "10.0.0.1", Payload: jsonRPC("ping")})
		require.NoError(t, err)
	}

	// Endpoint-wide limits ignore the peer.
	_, err := core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "10.0.0.2", Payload: jsonRPC("ping")})
	require.Error(t, err)
	assert.Equal(t, StageAdmission, StageOf(err))
	assert.ErrorIs(t, err, ErrAdmissionDenied)

	_, err = core.Process(ctx, &Request{Endpoint: "/other", Peer: "10.0.0.1", Payload: jsonRPC("ping")})
	assert.NoError(t, err)
}

func TestProcess_PerPeerAdmission(t *testing.T) {
	core := newTestCore(t, testConfig(bucketConfig(1, true)))
	ctx := context.Background()

	_, err := core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "a", Payload: jsonRPC("ping")})
	require.NoError(t, err)
	_, err = core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "b", Payload: jsonRPC("ping")})
	require.NoError(t, err)

	_, err = core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "a", Payload: jsonRPC("ping")})
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestProcess_AdmissionRunsBeforeNormalization(t *testing.T) {
	core := newTestCore(t, testConfig(bucketConfig(1, false)))
	ctx := context.Background()

	_, err := core.Process(ctx, &Request{Endpoint: "/rpc", Payload: []byte("{")})
	assert.Equal(t, StageNormalize, StageOf(err))

	_, err = core.Process(ctx, &Request{Endpoint: "/rpc", Payload: []byte("{")})
	assert.Equal(t, StageAdmission, StageOf(err))
}

func TestProcess_NormalizationError(t *testing.T) {
	core := newTestCore(t, testConfig(nil))

	_, err := core.Process(context.Background(), &Request{
		Endpoint:    "/graphql",
		ContentType: normalize.ContentTypeGraphQL,
		Payload:     []byte(`query { ...Missing }`),
	})
	require.Error(t, err)
	assert.Equal(t, StageNormalize, StageOf(err))
	assert.ErrorIs(t, err, normalize.ErrFragmentNotFound)
	assert.Equal(t, normalize.CodeInvalidParams, normalize.ErrorCode(err))
}

func TestProcess_ExecutorError(t *testing.T) {
	errBackend := errors.New("backend down")
	core := newTestCore(t, testConfig(nil), WithExecutor(ExecutorFunc(
		func(context.Context, *normalize.NormalizedRequest) ([]byte, error) {
			return nil, errBackend
		},
	)))

	res, err := core.Process(context.Background(), &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	require.Error(t, err)
	assert.Equal(t, StageExecute, StageOf(err))
	assert.ErrorIs(t, err, errBackend)
	require.NotNil(t, res)
	assert.Equal(t, "ping", res.Request.Method)
}

func TestProcess_TrustRejectsHostnameMismatch(t *testing.T) {
	cfg := testConfig(func(cfg *config.Config) {
		cfg.Trust.Enabled = true
		cfg.Trust.PeerHostname = "clients.admitgw.internal"
	})
	core := newTestCore(t, cfg)
	require.NotNil(t, core.Verifier())

	executed := false
	core.executor = ExecutorFunc(func(context.Context, *normalize.NormalizedRequest) ([]byte, error) {
		executed = true
		return nil, nil
	})

	_, err := core.Process(context.Background(), &Request{
		Endpoint:        "/rpc",
		Payload:         jsonRPC("ping"),
		PeerCertificate: selfSigned(t, "mallory", "mallory.example.com"),
	})
	require.Error(t, err)
	assert.Equal(t, StageTrust, StageOf(err))
	assert.ErrorIs(t, err, trust.ErrHostnameMismatch)
	assert.False(t, executed)
}

func TestProcess_TrustedPeerKeyedByCommonName(t *testing.T) {
	cfg := testConfig(func(cfg *config.Config) {
		bucketConfig(1, true)(cfg)
		cfg.Trust.Enabled = true
		cfg.Trust.PeerHostname = "clients.admitgw.internal"
	})
	core := newTestCore(t, cfg)
	cert := selfSigned(t, "alice", "clients.admitgw.internal")
	ctx := context.Background()

	_, err := core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "10.0.0.1", Payload: jsonRPC("ping"), PeerCertificate: cert})
	require.NoError(t, err)

	// Same certificate from another address shares the limit.
	_, err = core.Process(ctx, &Request{Endpoint: "/rpc", Peer: "10.0.0.2", Payload: jsonRPC("ping"), PeerCertificate: cert})
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestProcess_NoCertificateSkipsTrust(t *testing.T) {
	cfg := testConfig(func(cfg *config.Config) {
		cfg.Trust.Enabled = true
		cfg.Trust.PeerHostname = "clients.admitgw.internal"
	})
	core := newTestCore(t, cfg)

	_, err := core.Process(context.Background(), &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	assert.NoError(t, err)
}

func TestReload_SwapsAdmissionKeepsVerifier(t *testing.T) {
	cfg := testConfig(func(cfg *config.Config) {
		bucketConfig(1, false)(cfg)
		cfg.Trust.Enabled = true
		cfg.Trust.PeerHostname = "clients.admitgw.internal"
	})
	core := newTestCore(t, cfg)
	verifier := core.Verifier()
	cache := core.Normalizer().Cache()
	ctx := context.Background()

	_, err := core.Process(ctx, &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	require.NoError(t, err)
	_, err = core.Process(ctx, &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	require.ErrorIs(t, err, ErrAdmissionDenied)

	next := testConfig(func(c *config.Config) {
		c.Trust = cfg.Trust
		c.Normalizer.MaxDepth = 8
	})
	require.NoError(t, core.Reload(next))

	_, err = core.Process(ctx, &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	assert.NoError(t, err)
	assert.Same(t, verifier, core.Verifier())
	assert.Same(t, cache, core.Normalizer().Cache())
	assert.Equal(t, 8, core.Config().Normalizer.MaxDepth)
}

func TestReload_NewCacheWhenSizeChanges(t *testing.T) {
	core := newTestCore(t, testConfig(nil))
	cache := core.Normalizer().Cache()

	require.NoError(t, core.Reload(testConfig(func(c *config.Config) {
		c.Normalizer.FragmentCacheSize = 16
	})))
	assert.NotSame(t, cache, core.Normalizer().Cache())
}

func TestReload_InvalidKeepsCurrent(t *testing.T) {
	telemetry := NewTelemetry("test")
	cfg := testConfig(bucketConfig(1, false))
	core := newTestCore(t, cfg, WithTelemetry(telemetry))

	bad := testConfig(nil)
	bad.Admission.Enabled = true
	bad.Admission.Algorithm = "leaky"
	require.Error(t, core.Reload(bad))
	assert.Same(t, cfg, core.Config())

	assert.ErrorIs(t, core.Reload(nil), ErrNilConfig)

	var m io_prometheus_client.Metric
	require.NoError(t, telemetry.Gateway.reloads.WithLabelValues("failure").Write(&m))
	assert.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestReload_ConcurrentWithProcess(t *testing.T) {
	core := newTestCore(t, testConfig(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, err := core.Process(context.Background(), &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
				assert.NoError(t, err)
			}
		}()
	}
	for ctx.Err() == nil {
		require.NoError(t, core.Reload(testConfig(nil)))
	}
	wg.Wait()
}

func TestCore_MemoryStore(t *testing.T) {
	core := newTestCore(t, testConfig(func(c *config.Config) {
		c.Admission.Enabled = true
		c.Admission.Algorithm = string(ratelimit.AlgorithmSlidingWindow)
		c.Admission.Store = config.StoreMemory
	}))
	assert.NotNil(t, core.Store())

	_, err := core.Process(context.Background(), &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	assert.NoError(t, err)
}

func TestCore_Metrics(t *testing.T) {
	telemetry := NewTelemetry("test")
	core := newTestCore(t, testConfig(bucketConfig(1, false)), WithTelemetry(telemetry))
	ctx := context.Background()

	_, _ = core.Process(ctx, &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})
	_, _ = core.Process(ctx, &Request{Endpoint: "/rpc", Payload: jsonRPC("ping")})

	read := func(protocol, outcome string) float64 {
		var m io_prometheus_client.Metric
		require.NoError(t, telemetry.Gateway.requests.WithLabelValues(protocol, outcome).Write(&m))
		return m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(1), read("jsonrpc", "ok"))
	assert.Equal(t, float64(1), read("unknown", "denied"))

	families, err := telemetry.Gatherers().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageAdmission, Err: ErrAdmissionDenied}
	assert.Equal(t, "admission: admission denied", err.Error())
	assert.Equal(t, Stage(""), StageOf(errors.New("other")))
	assert.Equal(t, "denied", outcomeOf(err))
	assert.Equal(t, "canceled", outcomeOf(&StageError{Stage: StageExecute, Err: context.Canceled}))
}
