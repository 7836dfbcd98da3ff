// Package models holds trusted signer keys and trust list snapshots.
package models

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Family is the public key algorithm family of a trusted key.
type Family string

const (
	FamilyEC  Family = "EC"
	FamilyRSA Family = "RSA"
)

var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// CurveByName returns the NIST curve with the given JOSE/COSE name.
func CurveByName(name string) (elliptic.Curve, bool) {
	c, ok := curves[name]
	return c, ok
}

// ECKey is an uncompressed elliptic curve point.
type ECKey struct {
	Curve string `json:"crv"`
	X     []byte `json:"x"`
	Y     []byte `json:"y"`
}

// RSAKey is an RSA public key.
type RSAKey struct {
	Modulus  []byte `json:"n"`
	Exponent int    `json:"e"`
}

// TrustedKey is a signer key published by an authority.
type TrustedKey struct {
	KID     []byte  `json:"kid"`
	Country string  `json:"country"`
	Family  Family  `json:"family"`
	EC      *ECKey  `json:"ec,omitempty"`
	RSA     *RSAKey `json:"rsa,omitempty"`
	// Certificate is the DER certificate when the source provides it.
	Certificate []byte `json:"certificate,omitempty"`
}

// KIDString returns the base64 key id used in logs and APIs.
func (k TrustedKey) KIDString() string {
	return base64.StdEncoding.EncodeToString(k.KID)
}

// PublicKey reconstructs the key material. EC points are validated.
func (k TrustedKey) PublicKey() (crypto.PublicKey, error) {
	switch k.Family {
	case FamilyEC:
		if k.EC == nil {
			return nil, errors.New("trusted key: missing EC material")
		}
		curve, ok := curves[k.EC.Curve]
		if !ok {
			return nil, fmt.Errorf("trusted key: unsupported curve %q", k.EC.Curve)
		}
		pub := &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(k.EC.X), Y: new(big.Int).SetBytes(k.EC.Y)}
		if _, err := pub.ECDH(); err != nil {
			return nil, fmt.Errorf("trusted key: %w", err)
		}
		return pub, nil
	case FamilyRSA:
		if k.RSA == nil || len(k.RSA.Modulus) == 0 || k.RSA.Exponent < 3 {
			return nil, errors.New("trusted key: missing RSA material")
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(k.RSA.Modulus), E: k.RSA.Exponent}, nil
	default:
		return nil, fmt.Errorf("trusted key: unsupported family %q", k.Family)
	}
}

// NewTrustedKey derives a TrustedKey from a parsed public key.
func NewTrustedKey(kid []byte, country string, pub crypto.PublicKey, certificate []byte) (TrustedKey, error) {
	key := TrustedKey{KID: kid, Country: strings.ToUpper(strings.TrimSpace(country)), Certificate: certificate}
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		size := (p.Curve.Params().BitSize + 7) / 8
		key.Family = FamilyEC
		key.EC = &ECKey{Curve: p.Curve.Params().Name, X: p.X.FillBytes(make([]byte, size)), Y: p.Y.FillBytes(make([]byte, size))}
	case *rsa.PublicKey:
		key.Family = FamilyRSA
		key.RSA = &RSAKey{Modulus: p.N.Bytes(), Exponent: p.E}
	default:
		return TrustedKey{}, fmt.Errorf("trusted key: unsupported public key type %T", pub)
	}
	return key, nil
}

// Snapshot is an immutable, published view of one authority's trust list.
type Snapshot struct {
	LastUpdate time.Time    `json:"lastUpdate"`
	Expiration time.Time    `json:"expiration,omitzero"`
	Keys       []TrustedKey `json:"keys"`

	byKID map[string][]int
}

// NewSnapshot indexes keys by kid.
func NewSnapshot(lastUpdate, expiration time.Time, keys []TrustedKey) *Snapshot {
	s := &Snapshot{LastUpdate: lastUpdate, Expiration: expiration, Keys: keys}
	s.index()
	return s
}

func (s *Snapshot) index() {
	s.byKID = make(map[string][]int, len(s.Keys))
	for i, k := range s.Keys {
		s.byKID[string(k.KID)] = append(s.byKID[string(k.KID)], i)
	}
}

// UnmarshalJSON rebuilds the kid index of a persisted snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Snapshot(p)
	s.index()
	return nil
}

// Expired reports whether the snapshot carries an expiration that has passed.
func (s *Snapshot) Expired(now time.Time) bool {
	return s != nil && !s.Expiration.IsZero() && !now.Before(s.Expiration)
}

// Find returns the keys with kid, restricted to country when it is not
// empty. An expired snapshot yields no keys.
func (s *Snapshot) Find(kid []byte, country string, now time.Time) []TrustedKey {
	if s == nil || s.Expired(now) {
		return nil
	}
	var out []TrustedKey
	for _, i := range s.byKID[string(kid)] {
		k := s.Keys[i]
		if country != "" && k.Country != "" && !strings.EqualFold(k.Country, country) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Len returns the number of keys.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keys)
}
