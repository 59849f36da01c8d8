package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// Revocation sources used in metrics and logs.
const (
	sourceOCSP = "ocsp"
	sourceCRL  = "crl"
)

// Verifier checks peer certificates: parse, hostname, revocation, chain.
// Revocation is fail-open: only a definitive revoked verdict rejects a peer.
type Verifier struct {
	roots        *x509.CertPool
	ocsp         *OCSPCache
	crl          *CRLCache
	fetcher      Fetcher
	fetchTimeout time.Duration
	ocspWindow   time.Duration
	crlWindow    time.Duration
	now          func() time.Time
	logger       observability.Logger
	metrics      *Metrics
	tracer       trace.Tracer

	downloads singleflight.Group
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRoots sets the trust anchors used for chain validation. A nil pool uses the system roots.
func WithRoots(pool *x509.CertPool) Option {
	return func(v *Verifier) {
		v.roots = pool
	}
}

// WithFetcher replaces the revocation data fetcher.
func WithFetcher(f Fetcher) Option {
	return func(v *Verifier) {
		v.fetcher = f
	}
}

// WithFetchTimeout bounds each revocation download.
func WithFetchTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.fetchTimeout = d
	}
}

// WithFreshness overrides the default OCSP and CRL freshness windows.
func WithFreshness(ocspWindow, crlWindow time.Duration) Option {
	return func(v *Verifier) {
		v.ocspWindow = ocspWindow
		v.crlWindow = crlWindow
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       observability.NopLogger(),
		tracer:       otel.Tracer("admitgw/trust"),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.ocsp = NewOCSPCache(v.ocspWindow, v.now)
	v.crl = NewCRLCache(v.crlWindow, v.now)
	if v.fetcher == nil {
		v.fetcher = NewHTTPFetcher(WithFetcherLogger(v.logger), WithFetcherMetrics(v.metrics))
	}
	return v
}

// OCSPCache exposes the OCSP cache, e.g. for feeding stapled responses.
func (v *Verifier) OCSPCache() *OCSPCache { return v.ocsp }

// CRLCache exposes the CRL cache.
func (v *Verifier) CRLCache() *CRLCache { return v.crl }

// Verify checks peerCert (PEM or DER) for expectedHostname. chainPEM is optional;
// when present the certificate must chain to a configured root.
func (v *Verifier) Verify(ctx context.Context, peerCert []byte, expectedHostname string, chainPEM []byte) error {
	ctx, span := v.tracer.Start(ctx, "trust.Verify",
		trace.WithAttributes(attribute.String("trust.hostname", expectedHostname)),
	)
	defer span.End()

	start := v.now()
	err := v.verify(ctx, span, peerCert, expectedHostname, chainPEM)

	outcome := "accepted"
	if err != nil {
		outcome = "rejected_" + kindLabel(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	v.metrics.recordVerification(outcome, v.now().Sub(start))
	return err
}

func (v *Verifier) verify(ctx context.Context, span trace.Span, peerCert []byte, hostname string, chainPEM []byte) error {
	cert, err := ParseCertificate(peerCert)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("trust.subject", cert.Subject.DN),
		attribute.String("trust.serial", cert.SerialHex),
	)

	if err := cert.MatchHostname(hostname); err != nil {
		return err
	}

	var chain []*x509.Certificate
	if len(bytes.TrimSpace(chainPEM)) > 0 {
		if chain, err = ParseChain(chainPEM); err != nil {
			return err
		}
	}

	status := v.revocationStatus(ctx, cert, findIssuer(cert.X509(), chain))
	span.SetAttributes(attribute.String("trust.revocation", status.String()))

	switch {
	case status == StatusRevoked:
		return &Error{Kind: KindRevoked, Subject: cert.Subject.DN, Serial: cert.SerialHex}
	case status == StatusUnknown && cert.HasRevocationEndpoints():
		v.logger.WithContext(ctx).Warn("revocation status unavailable, admitting peer",
			observability.String("subject", cert.Subject.DN),
			observability.String("serial", cert.SerialHex),
			observability.Error(ErrRevocationCheckUnavailable),
		)
	}

	if len(chain) > 0 {
		if err := v.validateChain(cert, chain); err != nil {
			return err
		}
	}
	return nil
}

// revocationStatus consults the OCSP cache, then each CRL distribution point in order.
func (v *Verifier) revocationStatus(ctx context.Context, cert *ParsedCertificate, issuer *x509.Certificate) Status {
	if len(cert.OCSPServers) > 0 {
		status, ok := v.ocsp.Get(cert.SerialHex)
		v.metrics.recordCacheLookup(sourceOCSP, ok)
		if ok {
			v.metrics.recordRevocationCheck(sourceOCSP, status)
			if status != StatusUnknown {
				return status
			}
		}
	}

	for _, url := range cert.CRLDistributionPoints {
		status, err := v.checkCRL(ctx, url, cert.SerialHex, issuer)
		if err != nil {
			v.logger.WithContext(ctx).Warn("CRL check failed",
				observability.String("url", url),
				observability.String("serial", cert.SerialHex),
				observability.Error(err),
			)
			continue
		}
		v.metrics.recordRevocationCheck(sourceCRL, status)
		return status
	}

	return StatusUnknown
}

func (v *Verifier) checkCRL(ctx context.Context, url, serial string, issuer *x509.Certificate) (Status, error) {
	if revoked, ok := v.crl.Contains(url, serial); ok {
		v.metrics.recordCacheLookup(sourceCRL, true)
		return statusFromRevoked(revoked), nil
	}
	v.metrics.recordCacheLookup(sourceCRL, false)

	list, err := v.loadCRL(ctx, url, issuer)
	if err != nil {
		return StatusUnknown, err
	}
	return statusFromRevoked(list.Contains(serial)), nil
}

// loadCRL downloads and caches the CRL at url. Concurrent callers share one download,
// which runs detached from the caller so an abandoned request still fills the cache.
func (v *Verifier) loadCRL(ctx context.Context, url string, issuer *x509.Certificate) (*RevocationList, error) {
	detached := context.WithoutCancel(ctx)
	ch := v.downloads.DoChan(url, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(detached, v.fetchTimeout)
		defer cancel()

		data, err := v.fetcher.Fetch(fetchCtx, url)
		if err != nil {
			return nil, err
		}

		list, err := ParseCRL(data)
		if err != nil {
			return nil, &Error{Kind: KindDownloadFailed, URL: url, Cause: err}
		}
		if issuer != nil {
			if err := list.CheckSignatureFrom(issuer); err != nil {
				return nil, &Error{Kind: KindDownloadFailed, URL: url, Cause: err}
			}
		}

		v.crl.Put(url, list.Revoked, list.NextUpdate)
		v.metrics.setCacheEntries(sourceCRL, v.crl.Len())
		return list, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RevocationList), nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindDownloadTimeout, URL: url, Cause: ctx.Err()}
	}
}

func (v *Verifier) validateChain(cert *ParsedCertificate, chain []*x509.Certificate) error {
	leaf := cert.X509()
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range chain {
		if !bytes.Equal(c.Raw, leaf.Raw) {
			opts.Intermediates.AddCert(c)
		}
	}

	if _, err := leaf.Verify(opts); err != nil {
		return &Error{Kind: KindChainValidationFailed, Subject: cert.Subject.DN, Serial: cert.SerialHex, Cause: err}
	}
	return nil
}

// Stats returns hit/miss counters for both caches.
func (v *Verifier) Stats() CacheStats {
	return CacheStats{OCSP: v.ocsp.Stats(), CRL: v.crl.Stats()}
}

func findIssuer(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, c := range chain {
		if bytes.Equal(c.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	return nil
}

func statusFromRevoked(revoked bool) Status {
	if revoked {
		return StatusRevoked
	}
	return StatusGood
}

func kindLabel(k Kind) string {
	switch k {
	case KindMalformedCertificate:
		return "malformed"
	case KindHostnameMismatch:
		return "hostname"
	case KindChainValidationFailed:
		return "chain"
	case KindRevoked:
		return "revoked"
	default:
		return "other"
	}
}
