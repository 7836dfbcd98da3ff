package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/veraison/go-cose"

	cmodels "hcert/internal/credential/models"
	"hcert/internal/hcert"
)

type issueOptions struct {
	kind     string
	family   string
	given    string
	dob      string
	country  string
	uci      string
	dose     int
	doses    int
	date     string
	validFor time.Duration
	keyOut   string
	qrPath   string
	qrSize   int
}

func newIssueCmd(g *globalOptions) *cobra.Command {
	o := &issueOptions{}
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed test credential with an ephemeral P-256 key",
		Long: "Builds a vaccination, test or recovery payload, signs it with a freshly " +
			"generated ES256 key and prints the HC1: string. --key-out writes the public " +
			"key so the credential can be checked with 'hcertctl validate --trust-key'.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return err
			}
			kid, err := keyID(&key.PublicKey)
			if err != nil {
				return err
			}
			signer, err := cose.NewSigner(cose.AlgorithmES256, key)
			if err != nil {
				return err
			}
			payload, err := o.payload()
			if err != nil {
				return err
			}

			now := time.Now().UTC().Truncate(time.Second)
			raw, err := hcert.Encode(payload, hcert.Claims{
				Issuer:     o.country,
				IssuedAt:   now,
				Expiration: now.Add(o.validFor),
			}, signer, hcert.EncodeOptions{KeyID: kid})
			if err != nil {
				return err
			}

			if o.keyOut != "" {
				if err := writePublicKey(o.keyOut, &key.PublicKey); err != nil {
					return err
				}
			}
			if o.qrPath != "" {
				if err := writeQR(o.qrPath, raw, o.qrSize); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, map[string]any{
					"credential": raw,
					"kid":        base64.StdEncoding.EncodeToString(kid),
					"issuer":     o.country,
					"expiration": now.Add(o.validFor),
				})
			}
			fmt.Fprintln(out, raw)
			if g.verbose {
				dimColor.Fprintf(cmd.ErrOrStderr(), "kid %s, expires %s\n",
					base64.StdEncoding.EncodeToString(kid), now.Add(o.validFor).Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&o.kind, "type", "vaccination", "certificate type: vaccination, test or recovery")
	cmd.Flags().StringVar(&o.family, "family-name", "MUSTERMANN", "standardised family name")
	cmd.Flags().StringVar(&o.given, "given-name", "ERIKA", "standardised given name")
	cmd.Flags().StringVar(&o.dob, "dob", "1964-08-12", "date of birth")
	cmd.Flags().StringVar(&o.country, "country", "AT", "issuer country")
	cmd.Flags().StringVar(&o.uci, "uci", "", "unique certificate identifier (default: random)")
	cmd.Flags().IntVar(&o.dose, "dose", 2, "dose number of a vaccination")
	cmd.Flags().IntVar(&o.doses, "doses", 2, "total series of doses of a vaccination")
	cmd.Flags().StringVar(&o.date, "date", "", "vaccination, sample or first positive date (default: 30 days ago)")
	cmd.Flags().DurationVar(&o.validFor, "valid-for", 365*24*time.Hour, "signature validity")
	cmd.Flags().StringVar(&o.keyOut, "key-out", "", "write the signer public key as PEM")
	cmd.Flags().StringVar(&o.qrPath, "qr", "", "also write the credential as a PNG QR code")
	cmd.Flags().IntVar(&o.qrSize, "qr-size", 512, "QR code image size in pixels")
	return cmd
}

func (o *issueOptions) payload() (*cmodels.Payload, error) {
	country := cmodels.NormalizeCountry(o.country)
	if len(country) != 2 {
		return nil, fmt.Errorf("--country must be a two letter code")
	}
	o.country = country

	uci := o.uci
	if uci == "" {
		var nonce [12]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, err
		}
		uci = fmt.Sprintf("URN:UVCI:01:%s:%X", country, nonce[:])
	}
	date := o.date
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -30).Format(time.DateOnly)
	}

	p := &cmodels.Payload{
		Version:     "1.3.0",
		Name:        cmodels.Name{FamilyNameStandardised: o.family, GivenNameStandardised: o.given},
		DateOfBirth: o.dob,
	}
	switch strings.ToLower(o.kind) {
	case "vaccination", "v":
		p.Vaccinations = []cmodels.Vaccination{{
			Disease: "840539006", VaccineProphylaxis: "1119349007", MedicinalProduct: "EU/1/20/1528",
			Manufacturer: "ORG-100030215", DoseNumber: o.dose, TotalSeriesOfDoses: o.doses,
			DateOfVaccination: date, Country: country, Issuer: "hcertctl", CertificateIdentifier: uci,
		}}
	case "test", "t":
		p.Tests = []cmodels.Test{{
			Disease: "840539006", TestType: "LP6464-4", DateOfCollection: date + "T08:00:00Z",
			TestResult: "260415000", TestingCentre: "hcertctl", Country: country, Issuer: "hcertctl",
			CertificateIdentifier: uci,
		}}
	case "recovery", "r":
		first, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return nil, fmt.Errorf("parsing --date: %w", err)
		}
		p.Recoveries = []cmodels.Recovery{{
			Disease:               "840539006",
			DateOfFirstPositive:   date,
			Country:               country,
			Issuer:                "hcertctl",
			ValidFrom:             first.AddDate(0, 0, 11).Format(time.DateOnly),
			ValidUntil:            first.AddDate(0, 6, 0).Format(time.DateOnly),
			CertificateIdentifier: uci,
		}}
	default:
		return nil, fmt.Errorf("unknown certificate type %q", o.kind)
	}
	return p, nil
}

// keyID is the first 8 bytes of SHA-256 over the DER SubjectPublicKeyInfo.
func keyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return sum[:8], nil
}

func writePublicKey(path string, pub crypto.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644)
}
