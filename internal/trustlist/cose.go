package trustlist

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"hcert/internal/fetch"
	"hcert/internal/hcert"
	"hcert/internal/platform/logger"
	"hcert/internal/trustlist/models"
	"hcert/internal/verify"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the payload of a COSE-signed trust list.
type Envelope struct {
	IssuedAt   int64         `cbor:"iat"`
	Expiration int64         `cbor:"exp,omitempty"`
	Keys       []EnvelopeKey `cbor:"keys"`
}

// EnvelopeKey is a signer key inside a signed envelope.
type EnvelopeKey struct {
	KID     []byte `cbor:"kid"`
	Country string `cbor:"country"`
	Kty     string `cbor:"kty"`
	Crv     string `cbor:"crv,omitempty"`
	X       []byte `cbor:"x,omitempty"`
	Y       []byte `cbor:"y,omitempty"`
	N       []byte `cbor:"n,omitempty"`
	E       []byte `cbor:"e,omitempty"`
}

// EnvelopeKeyFrom converts a trusted key to its envelope form.
func EnvelopeKeyFrom(k models.TrustedKey) EnvelopeKey {
	out := EnvelopeKey{KID: k.KID, Country: k.Country, Kty: string(k.Family)}
	switch {
	case k.EC != nil:
		out.Crv, out.X, out.Y = k.EC.Curve, k.EC.X, k.EC.Y
	case k.RSA != nil:
		out.N, out.E = k.RSA.Modulus, big.NewInt(int64(k.RSA.Exponent)).Bytes()
	}
	return out
}

func (k EnvelopeKey) trusted() (models.TrustedKey, error) {
	switch models.Family(k.Kty) {
	case models.FamilyEC:
		curve, ok := models.CurveByName(k.Crv)
		if !ok {
			return models.TrustedKey{}, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		pub := &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(k.X), Y: new(big.Int).SetBytes(k.Y)}
		// ECDH rejects coordinates that are out of range or off the curve.
		if _, err := pub.ECDH(); err != nil {
			return models.TrustedKey{}, fmt.Errorf("invalid %s point: %w", k.Crv, err)
		}
		return models.NewTrustedKey(k.KID, k.Country, pub, nil)
	case models.FamilyRSA:
		e := new(big.Int).SetBytes(k.E)
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return models.TrustedKey{}, errors.New("RSA exponent out of range")
		}
		pub := &rsa.PublicKey{N: new(big.Int).SetBytes(k.N), E: int(e.Int64())}
		return models.NewTrustedKey(k.KID, k.Country, pub, nil)
	default:
		return models.TrustedKey{}, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

// COSESource reads a trust list wrapped in a COSE_Sign1 envelope signed by
// a root key. The envelope signature is checked before any key is trusted.
type COSESource struct {
	name     string
	url      string
	fetcher  fetch.Fetcher
	verifier *verify.Verifier
	now      func() time.Time
	logger   *slog.Logger
}

// COSEOption configures a COSESource.
type COSEOption func(*COSESource)

func WithCOSENow(now func() time.Time) COSEOption {
	return func(s *COSESource) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCOSELogger(l *slog.Logger) COSEOption {
	return func(s *COSESource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewCOSESource creates a source whose envelope must verify against roots.
func NewCOSESource(name, url string, fetcher fetch.Fetcher, roots verify.KeyFinder, opts ...COSEOption) *COSESource {
	s := &COSESource{name: name, url: url, fetcher: fetcher, now: time.Now, logger: logger.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.verifier = verify.New(roots, verify.WithNow(s.now), verify.WithLogger(s.logger))
	return s
}

func (s *COSESource) Name() string { return s.name }

func (s *COSESource) Capabilities() Capabilities {
	return Capabilities{SupportsCountryFiltering: true}
}

func (s *COSESource) Timestamp(v *models.Snapshot) time.Time { return snapshotTimestamp(v) }

func (s *COSESource) Fetch(ctx context.Context) (*models.Snapshot, error) {
	body, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	msg, err := hcert.ParseSign1(body)
	if err != nil {
		return nil, fmt.Errorf("decode trust list envelope: %w", err)
	}
	if _, err := s.verifier.Verify(ctx, msg, hcert.Claims{}); err != nil {
		return nil, fmt.Errorf("verify trust list envelope: %w", err)
	}

	var env Envelope
	if err := cbor.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode trust list envelope payload: %w", err)
	}
	var expiration time.Time
	if env.Expiration > 0 {
		expiration = time.Unix(env.Expiration, 0).UTC()
	}

	keys := make([]models.TrustedKey, 0, len(env.Keys))
	for _, ek := range env.Keys {
		key, err := ek.trusted()
		if err != nil {
			s.logger.WarnContext(ctx, "skipping envelope key", "source", s.name, "country", ek.Country, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	return models.NewSnapshot(time.Unix(env.IssuedAt, 0).UTC(), expiration, keys), nil
}

var _ Source = (*COSESource)(nil)
