package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hcert/internal/hcert"
)

func newDecodeCmd(g *globalOptions) *cobra.Command {
	var qrPath string
	var prefixOptional bool
	cmd := &cobra.Command{
		Use:   "decode [credential|file|-]",
		Short: "Decode a credential without verifying its signature",
		Long: "Decodes the prefix, Base45, zlib, COSE_Sign1, CWT and HCERT layers and " +
			"prints the claims and payload. Reads stdin when no argument is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readCredential(firstArg(args), qrPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cred, err := hcert.NewCodec(hcert.WithRequirePrefix(!prefixOptional)).Decode(raw)
			if err != nil {
				return fmt.Errorf("decoding credential: %w", err)
			}

			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, struct {
					Kid       []byte `json:"kid"`
					Algorithm int64  `json:"alg"`
					*hcert.Credential
				}{cred.Sign1.KeyID, cred.Sign1.Algorithm, cred})
			}
			printCredential(out, cred, g.verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&qrPath, "qr", "", "read the credential from a QR code image (PNG or JPEG)")
	cmd.Flags().BoolVar(&prefixOptional, "no-prefix", false, "accept input without the HC1: prefix")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
