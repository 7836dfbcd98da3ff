package hcert

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	tagCOSESign1 = 18
	tagCWT       = 61

	headerAlgorithm = 1
	headerKeyID     = 4
)

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      1024,
		IntDec:           cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("hcert: cbor decode mode: %v", err))
	}
	return dm
}

// Sign1 is a decoded COSE_Sign1 message.
type Sign1 struct {
	// Protected is the serialized protected header bucket exactly as signed.
	Protected   []byte
	Algorithm   int64
	KeyID       []byte
	Payload     []byte
	Signature   []byte
	Unprotected map[int64]cbor.RawMessage
}

type sign1Message struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// ParseSign1 decodes a COSE_Sign1 message that is untagged, tagged 18, or
// wrapped in CWT tag 61. Algorithm is zero when the protected header does
// not name one.
func ParseSign1(data []byte) (*Sign1, error) {
	for depth := 0; depth < 2 && len(data) > 0 && data[0]>>5 == 6; depth++ {
		var tag cbor.RawTag
		if err := decMode.Unmarshal(data, &tag); err != nil {
			return nil, err
		}
		if tag.Number != tagCOSESign1 && tag.Number != tagCWT {
			return nil, fmt.Errorf("unexpected tag %d", tag.Number)
		}
		data = tag.Content
	}

	var msg sign1Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if len(msg.Signature) == 0 {
		return nil, errors.New("missing signature")
	}
	if len(msg.Payload) == 0 {
		return nil, errors.New("missing payload")
	}

	protected := map[int64]cbor.RawMessage{}
	if len(msg.Protected) > 0 {
		if err := decMode.Unmarshal(msg.Protected, &protected); err != nil {
			return nil, fmt.Errorf("protected header: %w", err)
		}
	}
	unprotected := map[int64]cbor.RawMessage{}
	if len(msg.Unprotected) > 0 {
		if err := decMode.Unmarshal(msg.Unprotected, &unprotected); err != nil {
			return nil, fmt.Errorf("unprotected header: %w", err)
		}
	}

	out := &Sign1{
		Protected:   msg.Protected,
		Payload:     msg.Payload,
		Signature:   msg.Signature,
		Unprotected: unprotected,
	}
	// alg is only trusted from the signed bucket; an unprotected alg is ignored.
	if raw, ok := protected[headerAlgorithm]; ok {
		if err := decMode.Unmarshal(raw, &out.Algorithm); err != nil {
			return nil, fmt.Errorf("algorithm header: %w", err)
		}
	}
	if raw, ok := protected[headerKeyID]; ok {
		if err := decMode.Unmarshal(raw, &out.KeyID); err != nil {
			return nil, fmt.Errorf("kid header: %w", err)
		}
	}
	if len(out.KeyID) == 0 {
		if raw, ok := unprotected[headerKeyID]; ok {
			if err := decMode.Unmarshal(raw, &out.KeyID); err != nil {
				return nil, fmt.Errorf("kid header: %w", err)
			}
		}
	}
	return out, nil
}
