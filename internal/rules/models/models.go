// Package models holds business rule, value set and rule outcome types.
package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type RuleType string

const (
	RuleTypeAcceptance   RuleType = "ACCEPTANCE"
	RuleTypeInvalidation RuleType = "INVALIDATION"
)

type CertificateType string

const (
	CertificateGeneral     CertificateType = "GENERAL"
	CertificateTest        CertificateType = "TEST"
	CertificateVaccination CertificateType = "VACCINATION"
	CertificateRecovery    CertificateType = "RECOVERY"
)

// Rule servers publish "Acceptance" and "General" as well as the upper case
// forms; both decode to the constants above.

func (t *RuleType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = RuleType(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

func (t *CertificateType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = CertificateType(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Description is a localised rule description.
type Description struct {
	Lang string `json:"lang"`
	Desc string `json:"desc"`
}

// Rule is one business rule as distributed by the rule servers.
type Rule struct {
	Identifier      string          `json:"Identifier"`
	Type            RuleType        `json:"Type"`
	Country         string          `json:"Country"`
	Version         string          `json:"Version"`
	SchemaVersion   string          `json:"SchemaVersion,omitempty"`
	Engine          string          `json:"Engine,omitempty"`
	EngineVersion   string          `json:"EngineVersion,omitempty"`
	CertificateType CertificateType `json:"CertificateType"`
	Description     []Description   `json:"Description,omitempty"`
	ValidFrom       time.Time       `json:"ValidFrom"`
	ValidTo         time.Time       `json:"ValidTo"`
	AffectedFields  []string        `json:"AffectedFields,omitempty"`
	Logic           json.RawMessage `json:"Logic"`
	Region          string          `json:"Region,omitempty"`
}

// DescriptionFor returns the description in lang, falling back to English
// and then to the first one.
func (r Rule) DescriptionFor(lang string) string {
	fallback := ""
	for i, d := range r.Description {
		if d.Lang == lang {
			return d.Desc
		}
		if d.Lang == "en" || i == 0 {
			fallback = d.Desc
		}
	}
	return fallback
}

// RuleSet is a published rule list.
type RuleSet struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Rules      []Rule    `json:"rules"`
}

// ValueSet is a named code list referenced from rule logic.
type ValueSet struct {
	ID     string                     `json:"valueSetId"`
	Date   string                     `json:"valueSetDate,omitempty"`
	Values map[string]json.RawMessage `json:"valueSetValues"`
}

// ValueSets is a published collection of value sets.
type ValueSets struct {
	LastUpdate time.Time  `json:"lastUpdate"`
	Sets       []ValueSet `json:"valueSets"`
}

// Codes returns, per value set id, the list of codes, as rule logic expects
// them in the external facts.
func (v *ValueSets) Codes() map[string][]string {
	out := map[string][]string{}
	if v == nil {
		return out
	}
	for _, set := range v.Sets {
		codes := make([]string, 0, len(set.Values))
		for code := range set.Values {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		out[set.ID] = codes
	}
	return out
}

// Outcome is the evaluation result of a single rule.
type Outcome string

const (
	OutcomePassed Outcome = "PASSED"
	OutcomeFail   Outcome = "FAIL"
	OutcomeOpen   Outcome = "OPEN"
)

// Status is the aggregated rule verdict for a credential.
type Status string

const (
	StatusValid          Status = "Valid"
	StatusPartiallyValid Status = "PartiallyValid"
	StatusNotValid       Status = "NotValid"
	StatusOpen           Status = "OpenResult"
)

// RuleOutcome records how one rule evaluated.
type RuleOutcome struct {
	Identifier  string   `json:"identifier"`
	Type        RuleType `json:"type"`
	Version     string   `json:"version"`
	Country     string   `json:"country"`
	Outcome     Outcome  `json:"outcome"`
	Description string   `json:"description,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Result is the rule sub-result of a validation.
type Result struct {
	Status  Status        `json:"status"`
	Country string        `json:"country"`
	Details []RuleOutcome `json:"details,omitempty"`
	Error   string        `json:"error,omitempty"`
}
