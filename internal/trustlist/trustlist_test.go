package trustlist

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hcert/internal/fetch"
	"hcert/internal/trustlist/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
	"github.com/veraison/go-cose"
)

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Get(context.Context, string) ([]byte, error) {
	return f.body, f.err
}

type fixedSnapshot struct {
	snap *models.Snapshot
	err  error
}

func (f fixedSnapshot) Get(context.Context) (*models.Snapshot, error) {
	return f.snap, f.err
}

type TrustListSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	root    *ecdsa.PrivateKey
	rootKey models.TrustedKey
	signer  *ecdsa.PrivateKey
}

func TestTrustListSuite(t *testing.T) {
	suite.Run(t, new(TrustListSuite))
}

func (s *TrustListSuite) SetupSuite() {
	var err error
	s.root, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
	s.signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
	s.rootKey, err = models.NewTrustedKey([]byte("root-1"), "", &s.root.PublicKey, nil)
	s.Require().NoError(err)
}

func (s *TrustListSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
}

func (s *TrustListSuite) clock() time.Time { return s.now }

func (s *TrustListSuite) selfSigned(key *ecdsa.PrivateKey) []byte {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "DSC", Country: []string{"DE"}},
		NotBefore:    s.now.Add(-time.Hour),
		NotAfter:     s.now.Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	s.Require().NoError(err)
	return der
}

func (s *TrustListSuite) TestGatewaySourceOverHTTP() {
	der := s.selfSigned(s.signer)
	body, err := json.Marshal([]gatewayEntry{
		{KID: []byte("kid-de"), Country: "de", CertificateType: "DSC", RawData: der, Timestamp: s.now.Add(-time.Hour)},
		{KID: []byte("kid-fr"), Country: "FR", CertificateType: "DSC", RawData: der},
		{KID: []byte("kid-csca"), Country: "DE", CertificateType: "CSCA", RawData: der},
		{KID: []byte("kid-bad"), Country: "DE", RawData: []byte("not a certificate")},
	})
	s.Require().NoError(err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	src := NewGatewaySource("trustlist-gateway", srv.URL, fetch.New(fetch.Config{}), WithCountries("DE"), WithGatewayNow(s.clock))
	snap, err := src.Fetch(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, snap.Len())
	key := snap.Keys[0]
	s.Equal("DE", key.Country)
	s.Equal(models.FamilyEC, key.Family)
	s.Equal(der, key.Certificate)
	s.True(s.now.Add(-time.Hour).Equal(src.Timestamp(snap)))
	s.True(src.Capabilities().SupportsFullCertificateBytes)
}

func (s *TrustListSuite) envelope(signWith *ecdsa.PrivateKey, env Envelope) []byte {
	payload, err := cbor.Marshal(env)
	s.Require().NoError(err)
	signer, err := cose.NewSigner(cose.AlgorithmES256, signWith)
	s.Require().NoError(err)
	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Headers.Protected[cose.HeaderLabelKeyID] = []byte("root-1")
	msg.Payload = payload
	s.Require().NoError(msg.Sign(rand.Reader, nil, signer))
	out, err := msg.MarshalCBOR()
	s.Require().NoError(err)
	return out
}

func (s *TrustListSuite) signerKey(kid, country string) models.TrustedKey {
	k, err := models.NewTrustedKey([]byte(kid), country, &s.signer.PublicKey, nil)
	s.Require().NoError(err)
	return k
}

func (s *TrustListSuite) TestCOSESourceVerifiesEnvelope() {
	env := Envelope{
		IssuedAt:   s.now.Add(-time.Hour).Unix(),
		Expiration: s.now.Add(48 * time.Hour).Unix(),
		Keys:       []EnvelopeKey{EnvelopeKeyFrom(s.signerKey("kid-ch", "CH")), {KID: []byte("odd"), Kty: "OKP"}},
	}

	s.T().Run("signed by root", func(t *testing.T) {
		src := NewCOSESource("trustlist-cose", "https://example.test/list", &fakeFetcher{body: s.envelope(s.root, env)},
			NewStaticFinder(s.rootKey), WithCOSENow(s.clock))
		snap, err := src.Fetch(s.ctx)

		s.Require().NoError(err)
		s.Equal(1, snap.Len())
		s.True(snap.Expiration.Equal(s.now.Add(48 * time.Hour)))
		s.Len(snap.Find([]byte("kid-ch"), "ch", s.now), 1)
	})

	s.T().Run("off-curve key is not published", func(t *testing.T) {
		good := EnvelopeKeyFrom(s.signerKey("kid-at", "AT"))
		bad := EnvelopeKeyFrom(s.signerKey("kid-bad", "AT"))
		bad.Y = append([]byte(nil), bad.Y...)
		bad.Y[len(bad.Y)-1] ^= 0x01
		withBad := Envelope{IssuedAt: env.IssuedAt, Expiration: env.Expiration, Keys: []EnvelopeKey{good, bad}}

		src := NewCOSESource("trustlist-cose", "https://example.test/list", &fakeFetcher{body: s.envelope(s.root, withBad)},
			NewStaticFinder(s.rootKey), WithCOSENow(s.clock))
		snap, err := src.Fetch(s.ctx)

		s.Require().NoError(err)
		s.Equal(1, snap.Len())
		s.Empty(snap.Find([]byte("kid-bad"), "AT", s.now))
		s.Len(snap.Find([]byte("kid-at"), "AT", s.now), 1)
	})

	s.T().Run("signed by an untrusted key", func(t *testing.T) {
		src := NewCOSESource("trustlist-cose", "https://example.test/list", &fakeFetcher{body: s.envelope(s.signer, env)},
			NewStaticFinder(s.rootKey), WithCOSENow(s.clock))
		_, err := src.Fetch(s.ctx)

		s.ErrorContains(err, "verify trust list envelope")
	})

	s.T().Run("fetch failure propagates", func(t *testing.T) {
		fetchErr := errors.New("connection refused")
		src := NewCOSESource("trustlist-cose", "u", &fakeFetcher{err: fetchErr}, NewStaticFinder(s.rootKey))
		_, err := src.Fetch(s.ctx)

		s.ErrorIs(err, fetchErr)
	})
}

func (s *TrustListSuite) token(method jwt.SigningMethod, key any, claims JWTClaims) []byte {
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	s.Require().NoError(err)
	return []byte(signed)
}

func (s *TrustListSuite) TestJWTSource() {
	spki, err := x509.MarshalPKIXPublicKey(&s.signer.PublicKey)
	s.Require().NoError(err)
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.now.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(s.now.Add(time.Hour)),
		},
		Keys: []JWTKey{{KID: []byte("kid-jwt"), PublicKey: spki}, {KID: []byte("broken"), PublicKey: []byte{0x01}}},
	}

	s.T().Run("valid token", func(t *testing.T) {
		src := NewJWTSource("trustlist-jwt", "u", &fakeFetcher{body: s.token(jwt.SigningMethodES256, s.root, claims)},
			&s.root.PublicKey, WithJWTNow(s.clock))
		snap, err := src.Fetch(s.ctx)

		s.Require().NoError(err)
		s.Equal(1, snap.Len())
		s.True(snap.LastUpdate.Equal(s.now.Add(-time.Hour)))
		s.False(src.Capabilities().SupportsCountryFiltering)
	})

	s.T().Run("token signed by another key", func(t *testing.T) {
		src := NewJWTSource("trustlist-jwt", "u", &fakeFetcher{body: s.token(jwt.SigningMethodES256, s.signer, claims)},
			&s.root.PublicKey, WithJWTNow(s.clock))
		_, err := src.Fetch(s.ctx)

		s.ErrorIs(err, jwt.ErrTokenSignatureInvalid)
	})

	s.T().Run("expired token", func(t *testing.T) {
		src := NewJWTSource("trustlist-jwt", "u", &fakeFetcher{body: s.token(jwt.SigningMethodES256, s.root, claims)},
			&s.root.PublicKey, WithJWTNow(func() time.Time { return s.now.Add(2 * time.Hour) }))
		_, err := src.Fetch(s.ctx)

		s.ErrorIs(err, jwt.ErrTokenExpired)
	})
}

func (s *TrustListSuite) TestFinderHonoursCapabilitiesAndExpiration() {
	snap := models.NewSnapshot(s.now, s.now.Add(time.Hour), []models.TrustedKey{s.signerKey("kid-1", "DE")})

	withFilter := NewFinder(fixedSnapshot{snap: snap}, Capabilities{SupportsCountryFiltering: true}, s.clock)
	keys, err := withFilter.Find(s.ctx, []byte("kid-1"), "AT")
	s.Require().NoError(err)
	s.Empty(keys)

	withoutFilter := NewFinder(fixedSnapshot{snap: snap}, Capabilities{}, s.clock)
	keys, err = withoutFilter.Find(s.ctx, []byte("kid-1"), "AT")
	s.Require().NoError(err)
	s.Len(keys, 1)

	expired := NewFinder(fixedSnapshot{snap: snap}, Capabilities{}, func() time.Time { return s.now.Add(2 * time.Hour) })
	keys, err = expired.Find(s.ctx, []byte("kid-1"), "")
	s.Require().NoError(err)
	s.Empty(keys)
}

func (s *TrustListSuite) TestMultiFinder() {
	unavailable := errors.New("trust list unavailable")
	failing := NewFinder(fixedSnapshot{err: unavailable}, Capabilities{}, s.clock)
	empty := NewStaticFinder()
	match := NewStaticFinder(s.signerKey("kid-1", "DE"))

	keys, err := NewMultiFinder(failing, empty, match).Find(s.ctx, []byte("kid-1"), "DE")
	s.Require().NoError(err)
	s.Len(keys, 1)

	keys, err = NewMultiFinder(failing, empty).Find(s.ctx, []byte("kid-1"), "DE")
	s.NoError(err)
	s.Empty(keys)

	_, err = NewMultiFinder(failing).Find(s.ctx, []byte("kid-1"), "DE")
	s.ErrorIs(err, unavailable)
}

func (s *TrustListSuite) TestSnapshotJSONRebuildsIndex() {
	snap := models.NewSnapshot(s.now, time.Time{}, []models.TrustedKey{s.signerKey("kid-1", "DE")})
	data, err := json.Marshal(snap)
	s.Require().NoError(err)

	var restored models.Snapshot
	s.Require().NoError(json.Unmarshal(data, &restored))

	keys := restored.Find([]byte("kid-1"), "DE", s.now)
	s.Require().Len(keys, 1)
	pub, err := keys[0].PublicKey()
	s.Require().NoError(err)
	s.True(s.signer.PublicKey.Equal(pub))
}

func (s *TrustListSuite) TestParsePublicKeyPEM() {
	spki, err := x509.MarshalPKIXPublicKey(&s.root.PublicKey)
	s.Require().NoError(err)

	pub, err := ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki}))
	s.Require().NoError(err)
	s.True(s.root.PublicKey.Equal(pub))

	pub, err = ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.selfSigned(s.root)}))
	s.Require().NoError(err)
	s.True(s.root.PublicKey.Equal(pub))

	_, err = ParsePublicKeyPEM([]byte("garbage"))
	s.Error(err)
}
