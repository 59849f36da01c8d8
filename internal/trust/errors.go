package trust

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for trust verification. Every *Error matches exactly one of them via errors.Is.
var (
	// ErrMalformedCertificate indicates that certificate bytes could not be parsed.
	ErrMalformedCertificate = errors.New("malformed certificate")

	// ErrHostnameMismatch indicates that the certificate does not cover the expected hostname.
	ErrHostnameMismatch = errors.New("hostname mismatch")

	// ErrChainValidationFailed indicates that the chain does not lead to a trusted root.
	ErrChainValidationFailed = errors.New("chain validation failed")

	// ErrRevocationCheckUnavailable indicates that no revocation source gave a definitive answer.
	ErrRevocationCheckUnavailable = errors.New("revocation check unavailable")

	// ErrRevoked indicates that the certificate has been revoked.
	ErrRevoked = errors.New("certificate revoked")

	// ErrDownloadTimeout indicates that a revocation download exceeded its deadline.
	ErrDownloadTimeout = errors.New("revocation download timed out")

	// ErrDownloadFailed indicates a transport or protocol failure while downloading revocation data.
	ErrDownloadFailed = errors.New("revocation download failed")
)

// Kind classifies a trust error.
type Kind int

// Error kinds.
const (
	KindMalformedCertificate Kind = iota + 1
	KindHostnameMismatch
	KindChainValidationFailed
	KindRevocationCheckUnavailable
	KindRevoked
	KindDownloadTimeout
	KindDownloadFailed
)

var kindSentinels = map[Kind]error{
	KindMalformedCertificate:       ErrMalformedCertificate,
	KindHostnameMismatch:           ErrHostnameMismatch,
	KindChainValidationFailed:      ErrChainValidationFailed,
	KindRevocationCheckUnavailable: ErrRevocationCheckUnavailable,
	KindRevoked:                    ErrRevoked,
	KindDownloadTimeout:            ErrDownloadTimeout,
	KindDownloadFailed:             ErrDownloadFailed,
}

// String returns the sentinel message for the kind.
func (k Kind) String() string {
	if err, ok := kindSentinels[k]; ok {
		return err.Error()
	}
	return "unknown trust error"
}

// Fatal reports whether an error of this kind must abort the request.
func (k Kind) Fatal() bool {
	switch k {
	case KindMalformedCertificate, KindHostnameMismatch, KindChainValidationFailed, KindRevoked:
		return true
	default:
		return false
	}
}

// Error is a trust verification error with enough context to act on.
type Error struct {
	Kind     Kind
	Subject  string
	Serial   string
	Hostname string
	URL      string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())

	var ctx []string
	if e.Subject != "" {
		ctx = append(ctx, "subject="+e.Subject)
	}
	if e.Serial != "" {
		ctx = append(ctx, "serial="+e.Serial)
	}
	if e.Hostname != "" {
		ctx = append(ctx, "hostname="+e.Hostname)
	}
	if e.URL != "" {
		ctx = append(ctx, "url="+e.URL)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	if sentinel, ok := kindSentinels[e.Kind]; ok && target == sentinel {
		return true
	}
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a trust error, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err must abort the request.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}
