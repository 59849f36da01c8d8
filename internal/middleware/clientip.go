package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// ClientIPExtractor resolves the client address of a request.
// X-Forwarded-For is honored only when RemoteAddr is a trusted proxy.
type ClientIPExtractor struct {
	trusted []*net.IPNet
}

// NewClientIPExtractor parses trustedProxies as CIDRs or bare IPs. Invalid
// entries are logged and skipped.
func NewClientIPExtractor(trustedProxies []string, logger observability.Logger) *ClientIPExtractor {
	e := &ClientIPExtractor{}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				entry = ip.String() + "/" + strconv.Itoa(bits)
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn("ignoring invalid trusted proxy",
				observability.String("entry", entry),
				observability.Error(err),
			)
			continue
		}
		e.trusted = append(e.trusted, network)
	}
	return e
}

// Extract returns the client IP. With a trusted RemoteAddr the
// X-Forwarded-For chain is walked right to left and the first untrusted
// address wins.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if !e.isTrusted(remote) {
		return remote
	}

	xff := r.Header.Get(HeaderXForwardedFor)
	if xff == "" {
		return remote
	}

	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			break
		}
		if !e.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (e *ClientIPExtractor) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range e.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
