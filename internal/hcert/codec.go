// Package hcert decodes and encodes health credential strings:
// PREFIX ":" BASE45(ZLIB(COSE_Sign1(CWT))).
package hcert

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"hcert/internal/credential"
	"hcert/internal/credential/models"
	"hcert/pkg/base45"
)

const (
	// DefaultPrefix is the context identifier of version 1 health certificates.
	DefaultPrefix = "HC1:"

	defaultMaxInflatedSize = 1 << 20
)

// Credential is a fully decoded credential.
type Credential struct {
	Sign1   *Sign1          `json:"-"`
	Claims  Claims          `json:"claims"`
	Payload *models.Payload `json:"payload"`
	// HCERT is the raw CBOR of the payload as it appeared in the claim.
	HCERT []byte `json:"-"`
}

// Codec decodes credential strings.
type Codec struct {
	prefixes        []string
	requirePrefix   bool
	maxInflatedSize int64
	decoders        *credential.Registry
}

// Option configures a Codec.
type Option func(*Codec)

// WithPrefixes sets the accepted context prefixes.
func WithPrefixes(prefixes ...string) Option {
	return func(c *Codec) {
		if len(prefixes) > 0 {
			c.prefixes = prefixes
		}
	}
}

// WithRequirePrefix rejects strings that carry none of the prefixes.
func WithRequirePrefix(require bool) Option {
	return func(c *Codec) {
		c.requirePrefix = require
	}
}

// WithMaxInflatedSize caps the decompressed size.
func WithMaxInflatedSize(n int64) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxInflatedSize = n
		}
	}
}

// WithDecoders sets the country-keyed payload decoders.
func WithDecoders(r *credential.Registry) Option {
	return func(c *Codec) {
		if r != nil {
			c.decoders = r
		}
	}
}

// NewCodec creates a Codec accepting DefaultPrefix.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		prefixes:        []string{DefaultPrefix},
		maxInflatedSize: defaultMaxInflatedSize,
		decoders:        credential.NewDefaultRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Decode runs the full pipeline. Failures are *DecodeError values carrying
// the failing stage; no partial credential is returned.
func (c *Codec) Decode(raw string) (*Credential, error) {
	body, err := c.stripPrefix(raw)
	if err != nil {
		return nil, stageError(StagePrefix, err)
	}

	compressed, err := base45.DecodeString(body)
	if err != nil {
		return nil, stageError(StageBase45, err)
	}

	cose, err := c.inflate(compressed)
	if err != nil {
		return nil, stageError(StageInflate, err)
	}

	sign1, err := ParseSign1(cose)
	if err != nil {
		return nil, stageError(StageCOSE, err)
	}

	claims, hcertBytes, err := parseCWT(sign1.Payload)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, stageError(StageCWT, err)
	}

	payload, err := c.decoders.Decode(claims.Issuer, hcertBytes)
	if err != nil {
		return nil, stageError(StageHCERT, err)
	}

	return &Credential{Sign1: sign1, Claims: claims, Payload: payload, HCERT: hcertBytes}, nil
}

func (c *Codec) stripPrefix(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty credential")
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(s, p) {
			return s[len(p):], nil
		}
	}
	if c.requirePrefix {
		return "", fmt.Errorf("missing prefix, expected one of %v", c.prefixes)
	}
	return s, nil
}

// inflate accepts zlib streams, raw DEFLATE streams, and uncompressed CBOR.
func (c *Codec) inflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if isZlibHeader(data) {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return c.readCapped(zr)
	}

	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := c.readCapped(fr)
	if err == nil && len(out) > 0 && isCOSEStart(out[0]) {
		return out, nil
	}
	if isCOSEStart(data[0]) {
		return data, nil
	}
	if err == nil {
		err = errors.New("unrecognised compression")
	}
	return nil, err
}

func (c *Codec) readCapped(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, c.maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > c.maxInflatedSize {
		return nil, fmt.Errorf("inflated size exceeds %d bytes", c.maxInflatedSize)
	}
	return out, nil
}

func isZlibHeader(data []byte) bool {
	return len(data) >= 2 && data[0]&0x0f == 8 && data[0]>>4 <= 7 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// isCOSEStart matches a CBOR tag or a 4-element array.
func isCOSEStart(b byte) bool {
	return b>>5 == 6 || b == 0x84
}
