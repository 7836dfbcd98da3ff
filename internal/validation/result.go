// Package validation runs the full credential check: decode, signature,
// revocation and business rules.
package validation

import (
	"time"

	cmodels "hcert/internal/credential/models"
	"hcert/internal/hcert"
	rmodels "hcert/internal/revocation/models"
	rulesmodels "hcert/internal/rules/models"
	"hcert/internal/verify"
)

// Status is the overall verdict of a validation.
type Status string

const (
	StatusNotEuDCC              Status = "NotEuDCC"
	StatusInvalidSignature      Status = "InvalidSignature"
	StatusBlacklisted           Status = "Blacklisted"
	StatusNeedRulesVerification Status = "NeedRulesVerification"
	StatusValid                 Status = Status(rulesmodels.StatusValid)
	StatusPartiallyValid        Status = Status(rulesmodels.StatusPartiallyValid)
	StatusNotValid              Status = Status(rulesmodels.StatusNotValid)
	StatusOpenResult            Status = Status(rulesmodels.StatusOpen)
)

// DecodeResult describes a failed decode.
type DecodeResult struct {
	Stage hcert.Stage `json:"stage"`
	Error string      `json:"error"`
}

// SignatureResult is the signature sub-result.
type SignatureResult struct {
	*verify.Result
	UnknownSigner *verify.UnknownSignerError `json:"unknownSigner,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// Result is the composite outcome of one validation. Sub-results are set
// only for the stages that ran.
type Result struct {
	ID          string              `json:"id"`
	ValidatedAt time.Time           `json:"validatedAt"`
	Claims      *hcert.Claims       `json:"claims,omitempty"`
	Payload     *cmodels.Payload    `json:"payload,omitempty"`
	Decode      *DecodeResult       `json:"decode,omitempty"`
	Signature   *SignatureResult    `json:"signature,omitempty"`
	Revocation  *rmodels.Result     `json:"revocation,omitempty"`
	Rules       *rulesmodels.Result `json:"rules,omitempty"`
	Status      Status              `json:"overallStatus"`
}
