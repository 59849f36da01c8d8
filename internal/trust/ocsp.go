package trust

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/ocsp"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

const ocspRequestContentType = "application/ocsp-request"

// ValidateOCSP performs a live OCSP query for cert. It is not used on the
// handshake fast path. Responders are tried in order and the first verified
// answer is cached by serial until the response's next update.
func (v *Verifier) ValidateOCSP(ctx context.Context, cert, issuer *x509.Certificate) (Status, error) {
	ctx, span := v.tracer.Start(ctx, "trust.ValidateOCSP")
	defer span.End()

	if cert == nil || issuer == nil {
		return StatusUnknown, newError(KindMalformedCertificate, errors.New("certificate and issuer are required"))
	}
	serial := SerialKey(cert.SerialNumber)
	if len(cert.OCSPServer) == 0 {
		return StatusUnknown, &Error{Kind: KindRevocationCheckUnavailable, Serial: serial, Cause: errors.New("certificate has no OCSP responder")}
	}

	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return StatusUnknown, &Error{Kind: KindMalformedCertificate, Serial: serial, Cause: fmt.Errorf("failed to build OCSP request: %w", err)}
	}

	var lastErr error
	for _, url := range cert.OCSPServer {
		status, err := v.queryResponder(ctx, url, req, cert, issuer)
		if err != nil {
			lastErr = err
			v.logger.WithContext(ctx).Warn("OCSP responder gave no answer",
				observability.String("url", url),
				observability.String("serial", serial),
				observability.Error(err),
			)
			continue
		}
		v.metrics.recordRevocationCheck(sourceOCSP, status)
		return status, nil
	}

	return StatusUnknown, &Error{Kind: KindRevocationCheckUnavailable, Serial: serial, Cause: lastErr}
}

func (v *Verifier) queryResponder(ctx context.Context, url string, req []byte, cert, issuer *x509.Certificate) (Status, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()

	body, err := v.fetcher.Post(fetchCtx, url, ocspRequestContentType, req)
	if err != nil {
		return StatusUnknown, err
	}
	status, err := v.acceptResponse(cert, issuer, body)
	if err != nil {
		return StatusUnknown, &Error{Kind: KindDownloadFailed, URL: url, Cause: err}
	}
	if status == StatusUnknown {
		return StatusUnknown, &Error{Kind: KindRevocationCheckUnavailable, URL: url, Cause: errors.New("responder does not know the certificate")}
	}
	return status, nil
}

// AcceptStaple verifies a stapled OCSP response delivered by the handshake layer
// and caches its verdict so the fast path can use it.
func (v *Verifier) AcceptStaple(cert, issuer *x509.Certificate, staple []byte) (Status, error) {
	if cert == nil || issuer == nil || len(staple) == 0 {
		return StatusUnknown, newError(KindRevocationCheckUnavailable, errors.New("no stapled response"))
	}
	status, err := v.acceptResponse(cert, issuer, staple)
	if err != nil {
		return StatusUnknown, &Error{Kind: KindRevocationCheckUnavailable, Serial: SerialKey(cert.SerialNumber), Cause: err}
	}
	return status, nil
}

func (v *Verifier) acceptResponse(cert, issuer *x509.Certificate, der []byte) (Status, error) {
	resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
	if err != nil {
		return StatusUnknown, err
	}

	var status Status
	switch resp.Status {
	case ocsp.Good:
		status = StatusGood
	case ocsp.Revoked:
		status = StatusRevoked
	default:
		status = StatusUnknown
	}

	if status != StatusUnknown {
		v.ocsp.Put(SerialKey(cert.SerialNumber), status, resp.NextUpdate)
		v.metrics.setCacheEntries(sourceOCSP, v.ocsp.Len())
	}
	return status, nil
}
