package trust

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	server := newStaticServer(t, http.StatusOK, []byte("crl-bytes"))

	data, err := NewHTTPFetcher().Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("crl-bytes"), data)
}

func TestHTTPFetcher_Errors(t *testing.T) {
	notFound := newStaticServer(t, http.StatusNotFound, nil)
	large := newStaticServer(t, http.StatusOK, []byte(strings.Repeat("x", 64)))

	tests := []struct {
		name    string
		fetcher *HTTPFetcher
		url     string
		want    error
	}{
		{name: "non-200", fetcher: NewHTTPFetcher(), url: notFound.URL, want: ErrDownloadFailed},
		{name: "oversize", fetcher: NewHTTPFetcher(WithMaxResponseSize(16)), url: large.URL, want: ErrDownloadFailed},
		{name: "ldap scheme", fetcher: NewHTTPFetcher(), url: "ldap://crl.example.com/cn=ca", want: ErrDownloadFailed},
		{name: "unparsable", fetcher: NewHTTPFetcher(), url: "http://[::1", want: ErrDownloadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fetcher.Fetch(context.Background(), tt.url)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPFetcher().Fetch(ctx, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadTimeout)
	assert.Equal(t, KindDownloadTimeout, KindOf(err))
}

func TestHTTPFetcher_BreakerOpensPerHost(t *testing.T) {
	failing := newStaticServer(t, http.StatusInternalServerError, nil)
	healthy := newStaticServer(t, http.StatusOK, []byte("ok"))

	f := NewHTTPFetcher(WithHostRate(1000, 100))
	ctx := context.Background()

	for i := 0; i < breakerFailureStreak; i++ {
		_, err := f.Fetch(ctx, failing.URL)
		require.Error(t, err)
	}

	_, err := f.Fetch(ctx, failing.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerFailureStreak), failing.hits.Load())

	data, err := f.Fetch(ctx, healthy.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestHTTPFetcher_PostSendsContentType(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("resp"))
	}))
	t.Cleanup(server.Close)

	data, err := NewHTTPFetcher().Post(context.Background(), server.URL, ocspRequestContentType, []byte{0x30})
	require.NoError(t, err)
	assert.Equal(t, []byte("resp"), data)
	assert.Equal(t, ocspRequestContentType, got)
}
