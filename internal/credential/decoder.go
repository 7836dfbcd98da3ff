// Package credential selects the payload decoder for a credential by its
// issuer country.
package credential

import (
	"fmt"
	"sync"

	"hcert/internal/credential/models"

	"github.com/fxamacker/cbor/v2"
)

// Decoder turns HCERT claim bytes into a Payload.
type Decoder interface {
	Decode(data []byte) (*models.Payload, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (*models.Payload, error)

func (f DecoderFunc) Decode(data []byte) (*models.Payload, error) {
	return f(data)
}

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
		IndefLength:      cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("credential: cbor decode mode: %v", err))
	}
	return dm
}

// DefaultDecoder decodes vaccination, test and recovery entries. Exemption
// entries are dropped.
type DefaultDecoder struct{}

func (DefaultDecoder) Decode(data []byte) (*models.Payload, error) {
	var p models.Payload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	p.Exemptions = nil
	return &p, nil
}

// ExemptionDecoder additionally keeps exemption entries, for issuers that
// encode them in the same claim.
type ExemptionDecoder struct{}

func (ExemptionDecoder) Decode(data []byte) (*models.Payload, error) {
	var p models.Payload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// Registry maps issuer country codes to decoders.
type Registry struct {
	mu        sync.RWMutex
	byCountry map[string]Decoder
	fallback  Decoder
}

// NewRegistry creates a registry falling back to fallback, or to
// DefaultDecoder when fallback is nil.
func NewRegistry(fallback Decoder) *Registry {
	if fallback == nil {
		fallback = DefaultDecoder{}
	}
	return &Registry{byCountry: make(map[string]Decoder), fallback: fallback}
}

// NewDefaultRegistry returns the registry with the built-in country decoders.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(nil)
	r.Register("IT", ExemptionDecoder{})
	return r
}

// Register installs d for country, replacing any previous decoder.
func (r *Registry) Register(country string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCountry[models.NormalizeCountry(country)] = d
}

// For returns the decoder for country.
func (r *Registry) For(country string) Decoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byCountry[models.NormalizeCountry(country)]; ok {
		return d
	}
	return r.fallback
}

// Decode decodes data with the decoder registered for country.
func (r *Registry) Decode(country string, data []byte) (*models.Payload, error) {
	return r.For(country).Decode(data)
}
