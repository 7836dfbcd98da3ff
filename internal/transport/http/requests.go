package httptransport

import (
	"strings"
	"time"

	dErrors "hcert/pkg/domain-errors"
)

// VerificationRequest is the body of POST /v1/verifications.
type VerificationRequest struct {
	Credential        string     `json:"credential"`
	AcceptanceCountry string     `json:"acceptanceCountry,omitempty"`
	Region            string     `json:"region,omitempty"`
	At                *time.Time `json:"at,omitempty"`
}

func (r *VerificationRequest) Normalize() {
	r.Credential = strings.TrimSpace(r.Credential)
	r.AcceptanceCountry = strings.ToUpper(strings.TrimSpace(r.AcceptanceCountry))
	r.Region = strings.ToUpper(strings.TrimSpace(r.Region))
}

func (r *VerificationRequest) Validate() error {
	if r.Credential == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "credential is required")
	}
	if r.AcceptanceCountry != "" && len(r.AcceptanceCountry) != 2 {
		return dErrors.New(dErrors.CodeInvalidInput, "acceptanceCountry must be an ISO 3166-1 alpha-2 code")
	}
	return nil
}

// DecodeRequest is the body of POST /v1/decode.
type DecodeRequest struct {
	Credential string `json:"credential"`
}

func (r *DecodeRequest) Normalize() {
	r.Credential = strings.TrimSpace(r.Credential)
}

func (r *DecodeRequest) Validate() error {
	if r.Credential == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "credential is required")
	}
	return nil
}
