package trust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RevocationList is a parsed CRL reduced to what admission needs.
type RevocationList struct {
	Issuer     string
	ThisUpdate time.Time
	NextUpdate time.Time
	Revoked    map[string]struct{}

	list *x509.RevocationList
}

// ParseCRL parses a DER or PEM encoded CRL. For PEM input the DER is taken from
// the first block whose type mentions CRL.
func ParseCRL(data []byte) (*RevocationList, error) {
	der, err := crlDER(data)
	if err != nil {
		return nil, err
	}

	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}

	rl := &RevocationList{
		Issuer:     list.Issuer.String(),
		ThisUpdate: list.ThisUpdate,
		NextUpdate: list.NextUpdate,
		Revoked:    make(map[string]struct{}, len(list.RevokedCertificateEntries)),
		list:       list,
	}
	for _, entry := range list.RevokedCertificateEntries {
		rl.Revoked[SerialKey(entry.SerialNumber)] = struct{}{}
	}
	return rl, nil
}

func crlDER(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		if len(trimmed) == 0 {
			return nil, errors.New("empty CRL")
		}
		return data, nil
	}

	rest := trimmed
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no CRL block found in PEM data")
		}
		if strings.Contains(block.Type, "CRL") {
			return block.Bytes, nil
		}
	}
}

// Contains reports whether serial (as produced by SerialKey) is on the list.
func (r *RevocationList) Contains(serial string) bool {
	_, ok := r.Revoked[serial]
	return ok
}

// CheckSignatureFrom verifies the CRL was signed by issuer.
func (r *RevocationList) CheckSignatureFrom(issuer *x509.Certificate) error {
	return r.list.CheckSignatureFrom(issuer)
}
