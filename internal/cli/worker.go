package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/systemstore"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

// newScanWorkerCmd is run by systemstore.WorkerSource in a child process.
func newScanWorkerCmd(opts *globalOptions) *cobra.Command {
	var libPath string
	cmd := &cobra.Command{
		Use:    systemstore.WorkerCommand,
		Short:  "Scan one PKCS#11 library and print its certificates as JSON",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if libPath == "" {
				return errors.New("--lib is required")
			}
			log := logging.NewWithWriter(cmd.ErrOrStderr(), opts.Debug)
			e := token.NewEnumerator(token.NewNativeLoader(log), log)
			return systemstore.RunScanWorker(cmd.Context(), e, libPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&libPath, "lib", "", "PKCS#11 library path")
	return cmd
}
