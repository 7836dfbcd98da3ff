package hcert

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	claimIssuer     = 1
	claimExpiration = 4
	claimIssuedAt   = 6
	claimHCERT      = -260

	hcertEUDCC = 1
)

// Claims are the CWT claims of a credential.
type Claims struct {
	Issuer     string    `json:"iss"`
	IssuedAt   time.Time `json:"iat,omitzero"`
	Expiration time.Time `json:"exp,omitzero"`
}

// parseCWT returns the claims and the raw HCERT payload bytes.
func parseCWT(data []byte) (Claims, []byte, error) {
	var claims Claims
	var raw map[int64]cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return claims, nil, err
	}
	if v, ok := raw[claimIssuer]; ok {
		if err := decMode.Unmarshal(v, &claims.Issuer); err != nil {
			return claims, nil, fmt.Errorf("iss claim: %w", err)
		}
	}
	var err error
	if claims.Expiration, err = numericDate(raw, claimExpiration); err != nil {
		return claims, nil, fmt.Errorf("exp claim: %w", err)
	}
	if claims.IssuedAt, err = numericDate(raw, claimIssuedAt); err != nil {
		return claims, nil, fmt.Errorf("iat claim: %w", err)
	}

	hc, ok := raw[claimHCERT]
	if !ok {
		return claims, nil, stageError(StageHCERT, errors.New("missing hcert claim"))
	}
	var inner map[int64]cbor.RawMessage
	if err := decMode.Unmarshal(hc, &inner); err != nil {
		return claims, nil, stageError(StageHCERT, err)
	}
	payload, ok := inner[hcertEUDCC]
	if !ok {
		return claims, nil, stageError(StageHCERT, errors.New("missing eu_dgc_v1 entry"))
	}
	return claims, payload, nil
}

// numericDate reads an integer or floating point NumericDate claim.
func numericDate(raw map[int64]cbor.RawMessage, label int64) (time.Time, error) {
	v, ok := raw[label]
	if !ok {
		return time.Time{}, nil
	}
	var secs int64
	if err := decMode.Unmarshal(v, &secs); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	var f float64
	if err := decMode.Unmarshal(v, &f); err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, errors.New("not a finite date")
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
