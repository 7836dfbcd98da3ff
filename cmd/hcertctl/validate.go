package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hcert/internal/fetch"
	"hcert/internal/hcert"
	"hcert/internal/platform/logger"
	"hcert/internal/trustlist"
	tlmodels "hcert/internal/trustlist/models"
	"hcert/internal/validation"
	"hcert/internal/verify"
)

type validateOptions struct {
	qrPath     string
	trustKeys  []string
	kid        string
	issuer     string
	trustList  string
	country    string
	at         string
	timeout    time.Duration
	failStatus bool
}

func newValidateCmd(g *globalOptions) *cobra.Command {
	o := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate [credential|file|-]",
		Short: "Decode a credential and verify its signature",
		Long: "Runs the validation pipeline against trusted keys given as PEM files or " +
			"downloaded from a gateway trust list. Revocation and business rules are not " +
			"evaluated here, so a genuine credential reports NeedRulesVerification.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readCredential(firstArg(args), o.qrPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			finder, err := o.finder(ctx)
			if err != nil {
				return err
			}
			orch, err := validation.New(hcert.NewCodec(), verify.New(finder), validation.WithLogger(logger.Discard()))
			if err != nil {
				return err
			}
			req := validation.Request{Credential: raw, AcceptanceCountry: o.country}
			if o.at != "" {
				if req.At, err = time.Parse(time.RFC3339, o.at); err != nil {
					return fmt.Errorf("parsing --at: %w", err)
				}
			}
			res := orch.Validate(ctx, req)

			out := cmd.OutOrStdout()
			if g.json {
				err = printJSON(out, res)
			} else {
				printResult(out, res, g.verbose)
			}
			if err == nil && o.failStatus && res.Status != validation.StatusValid && res.Status != validation.StatusNeedRulesVerification {
				return fmt.Errorf("credential not accepted: %s", res.Status)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&o.qrPath, "qr", "", "read the credential from a QR code image")
	cmd.Flags().StringArrayVar(&o.trustKeys, "trust-key", nil, "PEM public key or certificate to trust (repeatable)")
	cmd.Flags().StringVar(&o.kid, "kid", "", "base64 key id of --trust-key (default: first 8 bytes of SHA-256 over the SubjectPublicKeyInfo)")
	cmd.Flags().StringVar(&o.issuer, "issuer", "", "restrict --trust-key to this issuer country")
	cmd.Flags().StringVar(&o.trustList, "trust-list", "", "URL of a gateway trust list to download")
	cmd.Flags().StringVar(&o.country, "country", "", "acceptance country")
	cmd.Flags().StringVar(&o.at, "at", "", "validation instant, RFC 3339")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "overall timeout")
	cmd.Flags().BoolVar(&o.failStatus, "fail", false, "exit non-zero when the credential is rejected")
	return cmd
}

func (o *validateOptions) finder(ctx context.Context) (verify.KeyFinder, error) {
	var finders []verify.KeyFinder

	if len(o.trustKeys) > 0 {
		keys := make([]tlmodels.TrustedKey, 0, len(o.trustKeys))
		for _, path := range o.trustKeys {
			key, err := o.loadKey(path)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		finders = append(finders, trustlist.NewStaticFinder(keys...))
	}

	if o.trustList != "" {
		src := trustlist.NewGatewaySource("cli", o.trustList, fetch.New(fetch.DefaultConfig()))
		snap, err := src.Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("downloading trust list: %w", err)
		}
		finders = append(finders, trustlist.NewStaticFinder(snap.Keys...))
	}

	if len(finders) == 0 {
		return nil, fmt.Errorf("no trusted keys: pass --trust-key or --trust-list")
	}
	return trustlist.NewMultiFinder(finders...), nil
}

func (o *validateOptions) loadKey(path string) (tlmodels.TrustedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tlmodels.TrustedKey{}, fmt.Errorf("reading %s: %w", path, err)
	}
	pub, err := trustlist.ParsePublicKeyPEM(data)
	if err != nil {
		return tlmodels.TrustedKey{}, fmt.Errorf("%s: %w", path, err)
	}
	var kid []byte
	if o.kid != "" {
		if kid, err = base64.StdEncoding.DecodeString(o.kid); err != nil {
			return tlmodels.TrustedKey{}, fmt.Errorf("decoding --kid: %w", err)
		}
	} else if kid, err = keyID(pub); err != nil {
		return tlmodels.TrustedKey{}, err
	}
	return tlmodels.NewTrustedKey(kid, o.issuer, pub, nil)
}
