package hcert

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"errors"
	"fmt"

	"hcert/internal/credential/models"
	"hcert/pkg/base45"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("hcert: cbor encode mode: %v", err))
	}
	return em
}

// EncodeOptions controls Encode.
type EncodeOptions struct {
	// Prefix defaults to DefaultPrefix.
	Prefix string
	// KeyID is placed in the protected header.
	KeyID []byte
}

// Encode signs payload and claims with signer and returns the printable
// credential string.
func Encode(payload *models.Payload, claims Claims, signer cose.Signer, opts EncodeOptions) (string, error) {
	if payload == nil {
		return "", errors.New("encode credential: nil payload")
	}
	if signer == nil {
		return "", errors.New("encode credential: nil signer")
	}

	cwt := map[int64]any{
		claimHCERT: map[int64]any{hcertEUDCC: payload},
	}
	if claims.Issuer != "" {
		cwt[claimIssuer] = claims.Issuer
	}
	if !claims.IssuedAt.IsZero() {
		cwt[claimIssuedAt] = claims.IssuedAt.Unix()
	}
	if !claims.Expiration.IsZero() {
		cwt[claimExpiration] = claims.Expiration.Unix()
	}
	cwtBytes, err := encMode.Marshal(cwt)
	if err != nil {
		return "", fmt.Errorf("encode credential claims: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(signer.Algorithm())
	if len(opts.KeyID) > 0 {
		msg.Headers.Protected[cose.HeaderLabelKeyID] = opts.KeyID
	}
	msg.Payload = cwtBytes
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	signed, err := msg.MarshalCBOR()
	if err != nil {
		return "", fmt.Errorf("encode cose message: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write(signed); err != nil {
		return "", fmt.Errorf("compress credential: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress credential: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + base45.Encode(buf.Bytes()), nil
}
