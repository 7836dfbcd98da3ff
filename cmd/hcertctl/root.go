package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	json    bool
	noColor bool
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "hcertctl",
		Short: "Decode, validate and issue HC1 health credentials",
		Long: "hcertctl works on printable health credential strings. Input can be a raw " +
			"credential, a file, stdin, or a QR code image.",
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Output as JSON")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")

	root.AddCommand(
		newDecodeCmd(opts),
		newValidateCmd(opts),
		newIssueCmd(opts),
	)
	return root
}
