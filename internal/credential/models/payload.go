// Package models holds the decoded health credential payload.
package models

import "strings"

// CertificateType classifies a payload by its certificate entries.
type CertificateType string

const (
	TypeVaccination CertificateType = "VACCINATION"
	TypeTest        CertificateType = "TEST"
	TypeRecovery    CertificateType = "RECOVERY"
	TypeExemption   CertificateType = "EXEMPTION"
	TypeUnknown     CertificateType = "UNKNOWN"
)

// Payload is the HCERT claim content.
type Payload struct {
	Version      string        `cbor:"ver" json:"ver"`
	Name         Name          `cbor:"nam" json:"nam"`
	DateOfBirth  string        `cbor:"dob" json:"dob"`
	Vaccinations []Vaccination `cbor:"v,omitempty" json:"v,omitempty"`
	Tests        []Test        `cbor:"t,omitempty" json:"t,omitempty"`
	Recoveries   []Recovery    `cbor:"r,omitempty" json:"r,omitempty"`
	// Exemptions is only populated by decoders of countries that issue them.
	Exemptions []Exemption `cbor:"e,omitempty" json:"e,omitempty"`
}

// Name is the holder's name in the issuing and ICAO transliterated forms.
type Name struct {
	FamilyName             string `cbor:"fn,omitempty" json:"fn,omitempty"`
	FamilyNameStandardised string `cbor:"fnt" json:"fnt"`
	GivenName              string `cbor:"gn,omitempty" json:"gn,omitempty"`
	GivenNameStandardised  string `cbor:"gnt,omitempty" json:"gnt,omitempty"`
}

type Vaccination struct {
	Disease               string `cbor:"tg" json:"tg"`
	VaccineProphylaxis    string `cbor:"vp" json:"vp"`
	MedicinalProduct      string `cbor:"mp" json:"mp"`
	Manufacturer          string `cbor:"ma" json:"ma"`
	DoseNumber            int    `cbor:"dn" json:"dn"`
	TotalSeriesOfDoses    int    `cbor:"sd" json:"sd"`
	DateOfVaccination     string `cbor:"dt" json:"dt"`
	Country               string `cbor:"co" json:"co"`
	Issuer                string `cbor:"is" json:"is"`
	CertificateIdentifier string `cbor:"ci" json:"ci"`
}

type Test struct {
	Disease               string `cbor:"tg" json:"tg"`
	TestType              string `cbor:"tt" json:"tt"`
	TestName              string `cbor:"nm,omitempty" json:"nm,omitempty"`
	TestNameAndMfr        string `cbor:"ma,omitempty" json:"ma,omitempty"`
	DateOfCollection      string `cbor:"sc" json:"sc"`
	TestResult            string `cbor:"tr" json:"tr"`
	TestingCentre         string `cbor:"tc,omitempty" json:"tc,omitempty"`
	Country               string `cbor:"co" json:"co"`
	Issuer                string `cbor:"is" json:"is"`
	CertificateIdentifier string `cbor:"ci" json:"ci"`
}

type Recovery struct {
	Disease               string `cbor:"tg" json:"tg"`
	DateOfFirstPositive   string `cbor:"fr" json:"fr"`
	Country               string `cbor:"co" json:"co"`
	Issuer                string `cbor:"is" json:"is"`
	ValidFrom             string `cbor:"df" json:"df"`
	ValidUntil            string `cbor:"du" json:"du"`
	CertificateIdentifier string `cbor:"ci" json:"ci"`
}

type Exemption struct {
	Disease               string `cbor:"tg" json:"tg"`
	Country               string `cbor:"co" json:"co"`
	Issuer                string `cbor:"is" json:"is"`
	ValidFrom             string `cbor:"df" json:"df"`
	ValidUntil            string `cbor:"du" json:"du"`
	CertificateIdentifier string `cbor:"ci" json:"ci"`
}

// Type returns the certificate type of the first populated entry group.
func (p *Payload) Type() CertificateType {
	switch {
	case p == nil:
		return TypeUnknown
	case len(p.Vaccinations) > 0:
		return TypeVaccination
	case len(p.Tests) > 0:
		return TypeTest
	case len(p.Recoveries) > 0:
		return TypeRecovery
	case len(p.Exemptions) > 0:
		return TypeExemption
	default:
		return TypeUnknown
	}
}

// CertificateIdentifier returns the unique certificate identifier (UVCI) of
// the first entry, or "" when the payload carries none.
func (p *Payload) CertificateIdentifier() string {
	switch p.Type() {
	case TypeVaccination:
		return p.Vaccinations[0].CertificateIdentifier
	case TypeTest:
		return p.Tests[0].CertificateIdentifier
	case TypeRecovery:
		return p.Recoveries[0].CertificateIdentifier
	case TypeExemption:
		return p.Exemptions[0].CertificateIdentifier
	default:
		return ""
	}
}

// IsPartialVaccination reports whether any vaccination entry records fewer
// doses than the complete series.
func (p *Payload) IsPartialVaccination() bool {
	if p == nil {
		return false
	}
	for _, v := range p.Vaccinations {
		if v.TotalSeriesOfDoses > 0 && v.DoseNumber < v.TotalSeriesOfDoses {
			return true
		}
	}
	return false
}

// NormalizeCountry upper-cases and trims an ISO 3166 country code.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
