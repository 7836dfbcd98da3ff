// Package trustlist provides the trusted signer key sources for the
// refreshing cache and the finders the verifier consults.
package trustlist

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"hcert/internal/cache"
	"hcert/internal/trustlist/models"
)

// Capabilities describe what a trust list source provides.
type Capabilities struct {
	SupportsCountryFiltering     bool `json:"supportsCountryFiltering"`
	SupportsFullCertificateBytes bool `json:"supportsFullCertificateBytes"`
}

// Source is a cache.Source producing trust list snapshots.
type Source interface {
	cache.Source[*models.Snapshot]
	Capabilities() Capabilities
}

func snapshotTimestamp(s *models.Snapshot) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.LastUpdate
}

// ParsePublicKeyPEM parses a PEM encoded PKIX public key or certificate.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
