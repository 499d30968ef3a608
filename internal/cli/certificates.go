package cli

import (
	"github.com/spf13/cobra"
)

func newCertsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "certs",
		Short: "List signing certificates",
		Long: `List the certificates found on every PKCS#11 token present in the
configured libraries and, where supported, in the operating system
certificate store. No PIN is requested.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd)
			if err != nil {
				return err
			}
			records := a.ScanCertificates(cmd.Context())
			return opts.printer(cmd).PrintCertificates(records)
		},
	}
}
