package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	cmodels "hcert/internal/credential/models"
	"hcert/internal/hcert"
	rulesmodels "hcert/internal/rules/models"
	"hcert/internal/validation"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	labelColor   = color.New(color.FgYellow)
	dimColor     = color.New(color.Faint)
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow, color.Bold)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(w io.Writer, label string, value any) {
	labelColor.Fprintf(w, "  %-22s", label+":")
	fmt.Fprintln(w, value)
}

func printClaims(w io.Writer, c hcert.Claims) {
	headerColor.Fprintln(w, "CWT Claims")
	field(w, "Issuer", c.Issuer)
	if !c.IssuedAt.IsZero() {
		field(w, "Issued at", c.IssuedAt.Format(time.RFC3339))
	}
	if !c.Expiration.IsZero() {
		field(w, "Expires", c.Expiration.Format(time.RFC3339))
	}
}

func printPayload(w io.Writer, p *cmodels.Payload, verbose bool) {
	if p == nil {
		return
	}
	headerColor.Fprintln(w, "Holder")
	field(w, "Name", p.Name.FamilyNameStandardised+" "+p.Name.GivenNameStandardised)
	field(w, "Date of birth", p.DateOfBirth)
	field(w, "Schema version", p.Version)
	field(w, "Type", p.Type())
	field(w, "Certificate id", p.CertificateIdentifier())

	for i, v := range p.Vaccinations {
		headerColor.Fprintf(w, "Vaccination %d\n", i+1)
		field(w, "Dose", fmt.Sprintf("%d/%d", v.DoseNumber, v.TotalSeriesOfDoses))
		field(w, "Date", v.DateOfVaccination)
		field(w, "Product", v.MedicinalProduct)
		field(w, "Country", v.Country)
		if verbose {
			field(w, "Disease", v.Disease)
			field(w, "Prophylaxis", v.VaccineProphylaxis)
			field(w, "Manufacturer", v.Manufacturer)
			field(w, "Issuer", v.Issuer)
		}
	}
	for i, t := range p.Tests {
		headerColor.Fprintf(w, "Test %d\n", i+1)
		field(w, "Type", t.TestType)
		field(w, "Sample collected", t.DateOfCollection)
		field(w, "Result", t.TestResult)
		field(w, "Country", t.Country)
		if verbose {
			field(w, "Testing centre", t.TestingCentre)
			field(w, "Issuer", t.Issuer)
		}
	}
	for i, r := range p.Recoveries {
		headerColor.Fprintf(w, "Recovery %d\n", i+1)
		field(w, "First positive", r.DateOfFirstPositive)
		field(w, "Valid", r.ValidFrom+" to "+r.ValidUntil)
		field(w, "Country", r.Country)
	}
	for i, e := range p.Exemptions {
		headerColor.Fprintf(w, "Exemption %d\n", i+1)
		field(w, "Valid", e.ValidFrom+" to "+e.ValidUntil)
		field(w, "Country", e.Country)
	}
}

func printCredential(w io.Writer, cred *hcert.Credential, verbose bool) {
	headerColor.Fprintln(w, "COSE_Sign1")
	field(w, "Algorithm", cred.Sign1.Algorithm)
	field(w, "Key id", base64.StdEncoding.EncodeToString(cred.Sign1.KeyID))
	if verbose {
		dimColor.Fprintf(w, "  signature %d bytes, payload %d bytes\n", len(cred.Sign1.Signature), len(cred.Sign1.Payload))
	}
	printClaims(w, cred.Claims)
	printPayload(w, cred.Payload, verbose)
}

func statusColor(s validation.Status) *color.Color {
	switch s {
	case validation.StatusValid:
		return successColor
	case validation.StatusPartiallyValid, validation.StatusNeedRulesVerification, validation.StatusOpenResult:
		return warnColor
	default:
		return errorColor
	}
}

func printResult(w io.Writer, res *validation.Result, verbose bool) {
	statusColor(res.Status).Fprintf(w, "%s\n", res.Status)

	if res.Decode != nil {
		field(w, "Decode stage", res.Decode.Stage)
		field(w, "Error", res.Decode.Error)
		return
	}
	if res.Claims != nil {
		printClaims(w, *res.Claims)
	}
	if sig := res.Signature; sig != nil {
		headerColor.Fprintln(w, "Signature")
		if sig.Result != nil {
			field(w, "Valid", sig.Valid)
			field(w, "Key id", base64.StdEncoding.EncodeToString(sig.Kid))
			if sig.Expired {
				field(w, "Expired", true)
			}
			if sig.NotYetValid {
				field(w, "Not yet valid", true)
			}
		}
		if sig.Error != "" {
			field(w, "Error", sig.Error)
		}
	}
	if rev := res.Revocation; rev != nil {
		headerColor.Fprintln(w, "Revocation")
		field(w, "Checked", rev.Checked)
		field(w, "Revoked", rev.Revoked)
		if rev.Error != "" {
			field(w, "Note", rev.Error)
		}
	}
	if r := res.Rules; r != nil {
		headerColor.Fprintln(w, "Rules")
		field(w, "Country", r.Country)
		field(w, "Status", r.Status)
		for _, d := range r.Details {
			if verbose || d.Outcome != rulesmodels.OutcomePassed {
				field(w, d.Identifier, d.Outcome)
			}
		}
	}
	if verbose {
		printPayload(w, res.Payload, true)
	}
}
