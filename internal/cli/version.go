package cli

import (
	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/tokensign/internal/version"
)

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.printer(cmd).PrintVersion(version.Get())
		},
	}
}
