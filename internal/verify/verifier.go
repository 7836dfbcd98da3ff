// Package verify checks COSE_Sign1 signatures of credentials against
// trusted signer keys.
package verify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hcert/internal/hcert"
	"hcert/internal/platform/logger"
	"hcert/internal/platform/tracer"
	"hcert/internal/sentinel"
	tlmodels "hcert/internal/trustlist/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

var (
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrNotYetValid          = errors.New("credential not yet valid")
	// ErrExpired matches sentinel.ErrExpired.
	ErrExpired = fmt.Errorf("credential expired: %w", sentinel.ErrExpired)
)

// UnknownSignerError reports that no trusted key matched kid and issuer.
type UnknownSignerError struct {
	Kid    []byte `json:"kid"`
	Issuer string `json:"issuer"`
}

func (e *UnknownSignerError) Error() string {
	return fmt.Sprintf("unknown signer kid=%s issuer=%s", base64.StdEncoding.EncodeToString(e.Kid), e.Issuer)
}

// KeyFinder looks up trusted keys by kid, optionally filtered by country.
type KeyFinder interface {
	Find(ctx context.Context, kid []byte, country string) ([]tlmodels.TrustedKey, error)
}

type algorithm struct {
	cose   cose.Algorithm
	family tlmodels.Family
}

var algorithms = map[int64]algorithm{
	int64(cose.AlgorithmES256): {cose.AlgorithmES256, tlmodels.FamilyEC},
	int64(cose.AlgorithmES384): {cose.AlgorithmES384, tlmodels.FamilyEC},
	int64(cose.AlgorithmES512): {cose.AlgorithmES512, tlmodels.FamilyEC},
	int64(cose.AlgorithmPS256): {cose.AlgorithmPS256, tlmodels.FamilyRSA},
	int64(cose.AlgorithmPS384): {cose.AlgorithmPS384, tlmodels.FamilyRSA},
	int64(cose.AlgorithmPS512): {cose.AlgorithmPS512, tlmodels.FamilyRSA},
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("verify: cbor encode mode: %v", err))
	}
	return em
}

// Result describes a signature check. It is populated as far as the check
// progressed, including on failure.
type Result struct {
	Valid       bool                 `json:"valid"`
	Issuer      string               `json:"issuer"`
	Kid         []byte               `json:"kid"`
	Algorithm   int64                `json:"algorithm"`
	IssuedAt    time.Time            `json:"issuedAt,omitzero"`
	Expiration  time.Time            `json:"expiration,omitzero"`
	Expired     bool                 `json:"expired,omitempty"`
	NotYetValid bool                 `json:"notYetValid,omitempty"`
	MatchedKey  *tlmodels.TrustedKey `json:"matchedKey,omitempty"`
}

// Verifier verifies signatures using keys from a KeyFinder.
type Verifier struct {
	keys   KeyFinder
	now    func() time.Time
	logger *slog.Logger
	tracer tracer.Tracer
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithNow(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(v *Verifier) {
		if t != nil {
			v.tracer = t
		}
	}
}

// New creates a Verifier.
func New(keys KeyFinder, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, now: time.Now, logger: logger.Discard(), tracer: tracer.NewNoop()}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks msg against the trusted keys of claims.Issuer and the
// iat/exp validity window of claims. The returned Result is never nil; err
// is nil only when the signature is valid.
func (v *Verifier) Verify(ctx context.Context, msg *hcert.Sign1, claims hcert.Claims) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, tracer.SpanValidationSignature,
		tracer.String(tracer.AttrIssuer, claims.Issuer),
		tracer.String(tracer.AttrKid, base64.StdEncoding.EncodeToString(msg.KeyID)),
	)
	res, err := v.verify(ctx, msg, claims)
	span.End(err)
	return res, err
}

func (v *Verifier) verify(ctx context.Context, msg *hcert.Sign1, claims hcert.Claims) (*Result, error) {
	res := &Result{
		Issuer:     claims.Issuer,
		Kid:        msg.KeyID,
		Algorithm:  msg.Algorithm,
		IssuedAt:   claims.IssuedAt,
		Expiration: claims.Expiration,
	}

	alg, ok := algorithms[msg.Algorithm]
	if !ok {
		return res, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, msg.Algorithm)
	}

	candidates, err := v.keys.Find(ctx, msg.KeyID, claims.Issuer)
	if err != nil {
		return res, fmt.Errorf("lookup signer keys: %w", err)
	}
	if len(candidates) == 0 {
		return res, &UnknownSignerError{Kid: msg.KeyID, Issuer: claims.Issuer}
	}

	tbs, err := sigStructure(msg.Protected, msg.Payload)
	if err != nil {
		return res, err
	}

	var lastErr error = ErrSignatureInvalid
	for i := range candidates {
		key := candidates[i]
		if key.Family != alg.family {
			lastErr = fmt.Errorf("%w: key family %s does not match algorithm %s", ErrSignatureInvalid, key.Family, alg.cose)
			continue
		}
		if err := verifyWith(alg.cose, key, tbs, msg.Signature); err != nil {
			v.logger.DebugContext(ctx, "signature check failed for candidate key", "kid", key.KIDString(), "error", err)
			lastErr = fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
			continue
		}
		res.MatchedKey = &key
		lastErr = nil
		break
	}
	if lastErr != nil {
		return res, lastErr
	}

	now := v.now()
	if !claims.IssuedAt.IsZero() && now.Before(claims.IssuedAt) {
		res.NotYetValid = true
		return res, ErrNotYetValid
	}
	if !claims.Expiration.IsZero() && !now.Before(claims.Expiration) {
		res.Expired = true
		return res, ErrExpired
	}

	res.Valid = true
	return res, nil
}

func verifyWith(alg cose.Algorithm, key tlmodels.TrustedKey, tbs, signature []byte) error {
	pub, err := key.PublicKey()
	if err != nil {
		return err
	}
	verifier, err := cose.NewVerifier(alg, pub)
	if err != nil {
		return err
	}
	return verifier.Verify(tbs, signature)
}

// sigStructure builds the COSE Sig_structure for a Sign1 message with empty
// external AAD.
func sigStructure(protected, payload []byte) ([]byte, error) {
	if protected == nil {
		protected = []byte{}
	}
	return encMode.Marshal([]any{"Signature1", protected, []byte{}, payload})
}

// SignatureIdentifier returns the signature bytes used for revocation
// lookups: the r half of an ECDSA signature, or the full signature otherwise.
func SignatureIdentifier(msg *hcert.Sign1) []byte {
	if alg, ok := algorithms[msg.Algorithm]; ok && alg.family == tlmodels.FamilyEC {
		return msg.Signature[:len(msg.Signature)/2]
	}
	return msg.Signature
}
