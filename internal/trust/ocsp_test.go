package trust

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func newOCSPResponder(t *testing.T, body func(req *ocsp.Request) []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != ocspRequestContentType {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(body(req))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestValidateOCSP(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Status
	}{
		{name: "good", status: ocsp.Good, want: StatusGood},
		{name: "revoked", status: ocsp.Revoked, want: StatusRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca := newTestCA(t, "Test Root")
			var leaf *x509.Certificate
			responder := newOCSPResponder(t, func(req *ocsp.Request) []byte {
				assert.Equal(t, 0, req.SerialNumber.Cmp(leaf.SerialNumber))
				return ca.ocspResponse(t, leaf, tt.status, time.Now().Add(time.Hour))
			})
			leaf, _ = ca.issue(t, 300, func(c *x509.Certificate) {
				c.OCSPServer = []string{responder.URL}
			})

			v := NewVerifier()
			status, err := v.ValidateOCSP(context.Background(), leaf, ca.cert)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)

			cached, ok := v.OCSPCache().Get(SerialKey(leaf.SerialNumber))
			require.True(t, ok)
			assert.Equal(t, tt.want, cached)
		})
	}
}

func TestValidateOCSP_FeedsFastPath(t *testing.T) {
	ca := newTestCA(t, "Test Root")
	var leaf *x509.Certificate
	responder := newOCSPResponder(t, func(*ocsp.Request) []byte {
		return ca.ocspResponse(t, leaf, ocsp.Revoked, time.Now().Add(time.Hour))
	})
	leaf, leafPEM := ca.issue(t, 301, func(c *x509.Certificate) {
		c.OCSPServer = []string{responder.URL}
	})

	v := NewVerifier()
	require.NoError(t, v.Verify(context.Background(), leafPEM, "api.example.com", nil))

	_, err := v.ValidateOCSP(context.Background(), leaf, ca.cert)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(context.Background(), leafPEM, "api.example.com", nil), ErrRevoked)
}

func TestValidateOCSP_TriesRespondersInOrder(t *testing.T) {
	ca := newTestCA(t, "Test Root")
	broken := newStaticServer(t, http.StatusServiceUnavailable, nil)

	var leaf *x509.Certificate
	responder := newOCSPResponder(t, func(*ocsp.Request) []byte {
		return ca.ocspResponse(t, leaf, ocsp.Good, time.Now().Add(time.Hour))
	})
	leaf, _ = ca.issue(t, 302, func(c *x509.Certificate) {
		c.OCSPServer = []string{broken.URL, responder.URL}
	})

	status, err := NewVerifier().ValidateOCSP(context.Background(), leaf, ca.cert)
	require.NoError(t, err)
	assert.Equal(t, StatusGood, status)
	assert.Equal(t, int32(1), broken.hits.Load())
}

func TestValidateOCSP_Unavailable(t *testing.T) {
	ca := newTestCA(t, "Test Root")
	other := newTestCA(t, "Other Root")

	t.Run("no responders", func(t *testing.T) {
		leaf, _ := ca.issue(t, 303, nil)
		status, err := NewVerifier().ValidateOCSP(context.Background(), leaf, ca.cert)
		assert.Equal(t, StatusUnknown, status)
		assert.ErrorIs(t, err, ErrRevocationCheckUnavailable)
	})

	t.Run("unknown status is not cached", func(t *testing.T) {
		var leaf *x509.Certificate
		responder := newOCSPResponder(t, func(*ocsp.Request) []byte {
			return ca.ocspResponse(t, leaf, ocsp.Unknown, time.Now().Add(time.Hour))
		})
		leaf, _ = ca.issue(t, 304, func(c *x509.Certificate) {
			c.OCSPServer = []string{responder.URL}
		})

		v := NewVerifier()
		status, err := v.ValidateOCSP(context.Background(), leaf, ca.cert)
		assert.Equal(t, StatusUnknown, status)
		assert.ErrorIs(t, err, ErrRevocationCheckUnavailable)
		assert.Zero(t, v.OCSPCache().Len())
	})

	t.Run("response signed by another CA", func(t *testing.T) {
		var leaf *x509.Certificate
		responder := newOCSPResponder(t, func(*ocsp.Request) []byte {
			return other.ocspResponse(t, leaf, ocsp.Good, time.Now().Add(time.Hour))
		})
		leaf, _ = ca.issue(t, 305, func(c *x509.Certificate) {
			c.OCSPServer = []string{responder.URL}
		})

		v := NewVerifier()
		status, err := v.ValidateOCSP(context.Background(), leaf, ca.cert)
		assert.Equal(t, StatusUnknown, status)
		assert.ErrorIs(t, err, ErrRevocationCheckUnavailable)
		assert.Zero(t, v.OCSPCache().Len())
	})

	t.Run("missing issuer", func(t *testing.T) {
		leaf, _ := ca.issue(t, 306, nil)
		_, err := NewVerifier().ValidateOCSP(context.Background(), leaf, nil)
		assert.ErrorIs(t, err, ErrMalformedCertificate)
	})
}

func TestAcceptStaple(t *testing.T) {
	ca := newTestCA(t, "Test Root")
	leaf, _ := ca.issue(t, 307, nil)

	v := NewVerifier(WithFetcher(newFakeFetcher()))

	status, err := v.AcceptStaple(leaf, ca.cert, ca.ocspResponse(t, leaf, ocsp.Good, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusGood, status)

	cached, ok := v.OCSPCache().Get(SerialKey(leaf.SerialNumber))
	require.True(t, ok)
	assert.Equal(t, StatusGood, cached)

	_, err = v.AcceptStaple(leaf, ca.cert, []byte("not a response"))
	assert.ErrorIs(t, err, ErrRevocationCheckUnavailable)

	_, err = v.AcceptStaple(leaf, ca.cert, nil)
	assert.ErrorIs(t, err, ErrRevocationCheckUnavailable)
}

func TestAcceptStaple_ExpiredResponseIsNotAuthoritative(t *testing.T) {
	ca := newTestCA(t, "Test Root")
	leaf, _ := ca.issue(t, 308, nil)

	v := NewVerifier(WithFetcher(newFakeFetcher()))
	_, err := v.AcceptStaple(leaf, ca.cert, ca.ocspResponse(t, leaf, ocsp.Revoked, time.Now().Add(-time.Second)))
	require.NoError(t, err)

	_, ok := v.OCSPCache().Get(SerialKey(leaf.SerialNumber))
	assert.False(t, ok)
}
