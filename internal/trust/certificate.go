package trust

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Name holds the identity attributes of a certificate subject or issuer.
type Name struct {
	DN                 string   `json:"dn"`
	CommonName         string   `json:"cn,omitempty"`
	Organization       []string `json:"o,omitempty"`
	OrganizationalUnit []string `json:"ou,omitempty"`
	Country            []string `json:"c,omitempty"`
	Province           []string `json:"st,omitempty"`
	Locality           []string `json:"l,omitempty"`
}

func newName(n pkix.Name) Name {
	return Name{
		DN:                 n.String(),
		CommonName:         n.CommonName,
		Organization:       n.Organization,
		OrganizationalUnit: n.OrganizationalUnit,
		Country:            n.Country,
		Province:           n.Province,
		Locality:           n.Locality,
	}
}

// ParsedCertificate is an immutable view of a peer certificate.
type ParsedCertificate struct {
	Serial                []byte
	SerialHex             string
	Subject               Name
	Issuer                Name
	NotBefore             time.Time
	NotAfter              time.Time
	DNSNames              []string
	IPAddresses           []net.IP
	IsCA                  bool
	KeyUsage              []string
	KeyAlgorithm          string
	KeySize               int
	OCSPServers           []string
	CRLDistributionPoints []string
	Fingerprint           string

	cert *x509.Certificate
}

// ParseCertificate parses a PEM or DER encoded certificate.
func ParseCertificate(data []byte) (*ParsedCertificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, newError(KindMalformedCertificate, fmt.Errorf("unexpected PEM block %q", block.Type))
		}
		der = block.Bytes
	} else if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return nil, newError(KindMalformedCertificate, errors.New("invalid PEM encoding"))
	}

	if len(der) == 0 {
		return nil, newError(KindMalformedCertificate, errors.New("empty certificate"))
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newError(KindMalformedCertificate, err)
	}
	return FromX509(cert), nil
}

// FromX509 builds a ParsedCertificate from an already decoded certificate.
func FromX509(cert *x509.Certificate) *ParsedCertificate {
	fp := sha256.Sum256(cert.Raw)
	algorithm, size := keyInfo(cert)

	return &ParsedCertificate{
		Serial:                cert.SerialNumber.Bytes(),
		SerialHex:             SerialKey(cert.SerialNumber),
		Subject:               newName(cert.Subject),
		Issuer:                newName(cert.Issuer),
		NotBefore:             cert.NotBefore,
		NotAfter:              cert.NotAfter,
		DNSNames:              cert.DNSNames,
		IPAddresses:           cert.IPAddresses,
		IsCA:                  cert.IsCA,
		KeyUsage:              keyUsageNames(cert.KeyUsage),
		KeyAlgorithm:          algorithm,
		KeySize:               size,
		OCSPServers:           cert.OCSPServer,
		CRLDistributionPoints: cert.CRLDistributionPoints,
		Fingerprint:           hex.EncodeToString(fp[:]),
		cert:                  cert,
	}
}

// ParseChain parses every CERTIFICATE block in a PEM bundle.
func ParseChain(pemData []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, newError(KindMalformedCertificate, fmt.Errorf("chain certificate %d: %w", len(chain), err))
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, newError(KindMalformedCertificate, errors.New("chain contains no certificates"))
	}
	return chain, nil
}

// SerialKey renders a serial number as lowercase hex, the form used as an OCSP cache key
// and CRL set member.
func SerialKey(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return strings.ToLower(serial.Text(16))
}

// X509 returns the underlying certificate.
func (c *ParsedCertificate) X509() *x509.Certificate {
	return c.cert
}

// HasRevocationEndpoints reports whether the certificate names any OCSP or CRL source.
func (c *ParsedCertificate) HasRevocationEndpoints() bool {
	return len(c.OCSPServers) > 0 || len(c.CRLDistributionPoints) > 0
}

// ValidAt reports whether t falls inside the validity window.
func (c *ParsedCertificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// MatchHostname checks the certificate against the expected hostname.
// IP hostnames match IP SANs. DNS hostnames match DNS SANs with single-label
// left-most wildcards, falling back to the subject CN when there are no SANs.
func (c *ParsedCertificate) MatchHostname(hostname string) error {
	mismatch := &Error{Kind: KindHostnameMismatch, Subject: c.Subject.DN, Hostname: hostname}

	host := strings.TrimSuffix(strings.TrimSpace(hostname), ".")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		mismatch.Cause = errors.New("empty hostname")
		return mismatch
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, candidate := range c.IPAddresses {
			if candidate.Equal(ip) {
				return nil
			}
		}
		return mismatch
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		mismatch.Cause = err
		return mismatch
	}

	names := c.DNSNames
	if len(names) == 0 && len(c.IPAddresses) == 0 && c.Subject.CommonName != "" {
		names = []string{c.Subject.CommonName}
	}
	for _, pattern := range names {
		if matchHostnamePattern(strings.ToLower(strings.TrimSuffix(pattern, ".")), ascii) {
			return nil
		}
	}
	return mismatch
}

func matchHostnamePattern(pattern, host string) bool {
	if pattern == host {
		return true
	}
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok || suffix == "" {
		return false
	}
	label, rest, found := strings.Cut(host, ".")
	return found && label != "" && rest == suffix
}

func keyInfo(cert *x509.Certificate) (string, int) {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return "RSA", key.N.BitLen()
	case *ecdsa.PublicKey:
		return "ECDSA", key.Curve.Params().BitSize
	case ed25519.PublicKey:
		return "Ed25519", 256
	default:
		return cert.PublicKeyAlgorithm.String(), 0
	}
}

var keyUsageBits = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

func keyUsageNames(usage x509.KeyUsage) []string {
	var names []string
	for _, ku := range keyUsageBits {
		if usage&ku.bit != 0 {
			names = append(names, ku.name)
		}
	}
	return names
}
