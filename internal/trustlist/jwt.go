package trustlist

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"hcert/internal/fetch"
	"hcert/internal/platform/logger"
	"hcert/internal/trustlist/models"

	"github.com/golang-jwt/jwt/v5"
)

// JWTKey is a signer key inside a JWT-signed key list.
type JWTKey struct {
	KID         []byte `json:"kid"`
	Country     string `json:"country,omitempty"`
	PublicKey   []byte `json:"publicKey"`
	Certificate []byte `json:"certificate,omitempty"`
}

// JWTClaims is the claim set of a JWT-signed key list.
type JWTClaims struct {
	jwt.RegisteredClaims
	Keys []JWTKey `json:"keys"`
}

var jwtMethods = []string{"ES256", "ES384", "ES512", "RS256", "PS256", "PS384", "PS512"}

// JWTSource reads a key list signed as a compact JWS by a root key.
type JWTSource struct {
	name    string
	url     string
	fetcher fetch.Fetcher
	root    crypto.PublicKey
	now     func() time.Time
	logger  *slog.Logger
}

// JWTOption configures a JWTSource.
type JWTOption func(*JWTSource)

func WithJWTNow(now func() time.Time) JWTOption {
	return func(s *JWTSource) {
		if now != nil {
			s.now = now
		}
	}
}

func WithJWTLogger(l *slog.Logger) JWTOption {
	return func(s *JWTSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewJWTSource creates a source whose token must verify against root.
func NewJWTSource(name, url string, fetcher fetch.Fetcher, root crypto.PublicKey, opts ...JWTOption) *JWTSource {
	s := &JWTSource{name: name, url: url, fetcher: fetcher, root: root, now: time.Now, logger: logger.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *JWTSource) Name() string { return s.name }

// Capabilities: the key list carries no reliable issuer country.
func (s *JWTSource) Capabilities() Capabilities {
	return Capabilities{}
}

func (s *JWTSource) Timestamp(v *models.Snapshot) time.Time { return snapshotTimestamp(v) }

func (s *JWTSource) Fetch(ctx context.Context) (*models.Snapshot, error) {
	body, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	var claims JWTClaims
	_, err = jwt.ParseWithClaims(string(body), &claims, func(*jwt.Token) (any, error) {
		return s.root, nil
	}, jwt.WithValidMethods(jwtMethods), jwt.WithTimeFunc(s.now), jwt.WithIssuedAt())
	if err != nil {
		return nil, fmt.Errorf("verify signed key list: %w", err)
	}

	keys := make([]models.TrustedKey, 0, len(claims.Keys))
	for _, k := range claims.Keys {
		pub, err := x509.ParsePKIXPublicKey(k.PublicKey)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unparseable key", "source", s.name, "error", err)
			continue
		}
		key, err := models.NewTrustedKey(k.KID, k.Country, pub, k.Certificate)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unsupported key", "source", s.name, "error", err)
			continue
		}
		keys = append(keys, key)
	}

	var issuedAt, expiration time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.UTC()
	} else {
		issuedAt = s.now()
	}
	if claims.ExpiresAt != nil {
		expiration = claims.ExpiresAt.UTC()
	}
	return models.NewSnapshot(issuedAt, expiration, keys), nil
}

var _ Source = (*JWTSource)(nil)
