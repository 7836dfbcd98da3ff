// Package tracer provides a lightweight tracing abstraction for the verifier.
//
// Components depend on the Tracer interface rather than on OpenTelemetry APIs
// directly. NoopTracer is used in tests and by the CLI, OTelTracer in the
// server.
package tracer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording err when non-nil.
	// End must be called exactly once, typically via defer.
	End(err error)

	// SetAttributes adds key-value pairs to the span.
	SetAttributes(attrs ...Attribute)

	// AddEvent records a timestamped event within the span.
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span. The returned context carries the span and
	// should be passed to child operations.
	//
	//   ctx, span := tr.Start(ctx, tracer.SpanValidationSignature,
	//       tracer.String(tracer.AttrIssuer, "DE"),
	//   )
	//   defer span.End(nil)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// HashIdentifier returns a short SHA-256 prefix of a credential identifier so
// traces can be correlated without carrying the identifier itself.
func HashIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(hash[:8])
}

// Span names.
const (
	SpanValidation           = "validation"
	SpanValidationDecode     = "validation.decode"
	SpanValidationSignature  = "validation.signature"
	SpanValidationRevocation = "validation.revocation"
	SpanValidationRules      = "validation.rules"
	SpanCacheRefresh         = "cache.refresh"
	SpanRevocationChunk      = "revocation.chunk"
)

// Attribute keys.
const (
	AttrSource        = "source"
	AttrIssuer        = "issuer"
	AttrKid           = "kid"
	AttrStatus        = "status"
	AttrCountry       = "country"
	AttrCertificateID = "certificate_id"
	AttrStaleServed   = "cache.stale_served"
	AttrChunk         = "revocation.chunk"
	AttrVersion       = "revocation.version"
)
