package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/retry"
)

func fastRetry(n int) *retry.Config {
	return &retry.Config{MaxRetries: n, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func pingRequest() *normalize.NormalizedRequest {
	return &normalize.NormalizedRequest{
		ID:     "1",
		Method: "ping",
		Params: map[string]any{"x": "y"},
		Origin: normalize.Origin{Protocol: normalize.ProtocolJSONRPC},
	}
}

func TestUpstreamExecutor_Forwards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var env map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "2.0", env["jsonrpc"])
		assert.Equal(t, "ping", env["method"])
		assert.Equal(t, "1", env["id"])

		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","result":{"pong":true},"id":"1"}`)
	}))
	defer srv.Close()

	e := NewUpstreamExecutor(srv.URL, WithUpstreamRetry(fastRetry(0)))
	out, err := e.Execute(context.Background(), pingRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"pong":true},"id":"1"}`, string(out))
}

func TestUpstreamExecutor_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","result":null,"id":"1"}`)
	}))
	defer srv.Close()

	metrics := NewMetrics("test")
	e := NewUpstreamExecutor(srv.URL, WithUpstreamRetry(fastRetry(3)), WithUpstreamMetrics(metrics))
	_, err := e.Execute(context.Background(), pingRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	read := func(result string) float64 {
		var m io_prometheus_client.Metric
		require.NoError(t, metrics.upstream.WithLabelValues(result).Write(&m))
		return m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(2), read("status_5xx"))
	assert.Equal(t, float64(1), read("ok"))
}

func TestUpstreamExecutor_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewUpstreamExecutor(srv.URL, WithUpstreamRetry(fastRetry(3)))
	_, err := e.Execute(context.Background(), pingRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamStatus)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestUpstreamExecutor_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewUpstreamExecutor(srv.URL,
		WithUpstreamRetry(fastRetry(0)),
		WithUpstreamBreaker(2, time.Minute),
	)
	for i := 0; i < 2; i++ {
		_, err := e.Execute(context.Background(), pingRequest())
		require.ErrorIs(t, err, ErrUpstreamStatus)
	}

	_, err := e.Execute(context.Background(), pingRequest())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpstreamExecutor_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","result":"0123456789","id":"1"}`)
	}))
	defer srv.Close()

	e := NewUpstreamExecutor(srv.URL, WithUpstreamRetry(fastRetry(0)), WithMaxResponseSize(8))
	_, err := e.Execute(context.Background(), pingRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 8 bytes")
}

func TestCore_UpstreamExecutorFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","result":{"user":{"id":"u1"}},"id":"q1"}`)
	}))
	defer srv.Close()

	cfg := testConfig(func(c *config.Config) {
		c.Executor.Type = config.ExecutorUpstream
		c.Executor.URL = srv.URL
	})
	require.NoError(t, cfg.Validate())

	core := newTestCore(t, cfg)
	_, ok := core.executor.(*UpstreamExecutor)
	require.True(t, ok)

	res, err := core.Process(context.Background(), &Request{
		Endpoint:    "/graphql",
		ContentType: normalize.ContentTypeGraphQL,
		Payload:     []byte(`{ user { id } }`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"user":{"id":"u1"}}}`, string(res.Body))
}

func TestEchoExecutor(t *testing.T) {
	out, err := EchoExecutor{}.Execute(context.Background(), &normalize.NormalizedRequest{
		ID:         json.Number("3"),
		Method:     "sum",
		Positional: []any{json.Number("1"), json.Number("2")},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"method":"sum","positional":[1,2]},"id":3}`, string(out))
}
