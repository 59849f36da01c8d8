package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/admitgw/internal/ratelimit/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h *Handler, path string) (int, *Status) {
	t.Helper()
	engine := gin.New()
	h.RegisterRoutes(engine)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return rec.Code, &status
}

func TestLiveness(t *testing.T) {
	h := NewHandler(WithVersion("1.2.3"))
	h.AddCheck("broken", func(context.Context) error { return errors.New("down") })

	code, status := serve(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.NotEmpty(t, status.Uptime)
}

func TestReadiness_NoChecks(t *testing.T) {
	code, status := serve(t, NewHandler(), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, status.Status)
	assert.Empty(t, status.Checks)
}

func TestReadiness_FailingCheck(t *testing.T) {
	h := NewHandler()
	h.AddCheck("config", func(context.Context) error { return nil })
	h.AddCheck("store", func(context.Context) error { return errors.New("connection refused") })

	code, status := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusError, status.Status)
	require.Len(t, status.Checks, 2)
	assert.Equal(t, StatusOK, status.Checks["config"].Status)
	assert.Equal(t, "connection refused", status.Checks["store"].Error)
}

func TestReadiness_ReplaceCheck(t *testing.T) {
	h := NewHandler()
	h.AddCheck("store", func(context.Context) error { return errors.New("down") })
	h.AddCheck("store", func(context.Context) error { return nil })

	code, status := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, status.Checks, 1)
}

func TestReadiness_Timeout(t *testing.T) {
	h := NewHandler(WithTimeout(20 * time.Millisecond))
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	code, status := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, status.Checks["slow"].Error, "deadline exceeded")
}

func TestReadiness_Draining(t *testing.T) {
	h := NewHandler()
	assert.False(t, h.IsDraining())

	h.SetDraining(true)
	code, status := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDraining, status.Status)

	h.SetDraining(false)
	code, _ = serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestPingCheck_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStoreWithConfig(&store.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	h := NewHandler()
	h.AddCheck("store", PingCheck(s))

	code, _ := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	mr.Close()
	code, status := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusError, status.Checks["store"].Status)
}
