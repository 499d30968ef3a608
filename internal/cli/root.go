// Package cli implements the tokensign command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/tokensign/internal/app"
	"github.com/vocdoni/gofirma/tokensign/internal/config"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/metrics"
	"github.com/vocdoni/gofirma/tokensign/internal/pinentry"
)

// PINEnv names the environment variable read instead of prompting for the
// PIN, for unattended use with software tokens.
const PINEnv = "TOKENSIGN_PIN"

type globalOptions struct {
	ConfigFile   string
	OutputFormat string
	Debug        bool
	MetricsFile  string

	// newApp builds the application; tests replace it.
	newApp func(conf *config.Config, log *logging.Logger) (*app.App, error)
	// pin overrides the PIN callback; tests replace it.
	pin token.PinCallback
}

// NewRootCmd returns the tokensign command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&globalOptions{newApp: app.New})
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokensign",
		Short: "tokensign - PKCS#11 token access for document signing",
		Long: `tokensign lists the signing certificates held on PKCS#11 tokens and
in the operating system store, opens authenticated token sessions and
checks certificate revocation through OCSP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Counters are collected only with --metrics-file.
			if opts.MetricsFile != "" {
				metrics.Enable()
			} else {
				metrics.Disable()
			}
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.MetricsFile == "" {
				return nil
			}
			if err := prometheus.WriteToTextfile(opts.MetricsFile, metrics.Registry()); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"config file (default is $HOME/.tokensign/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&opts.OutputFormat, "output", "o", "text",
		"output format (text, json, table)")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "",
		"write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(newCertsCmd(opts))
	rootCmd.AddCommand(newLoginCmd(opts))
	rootCmd.AddCommand(newOCSPCmd(opts))
	rootCmd.AddCommand(newScanWorkerCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))
	return rootCmd
}

// Execute runs the command line and reports a failure on stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		format, _ := rootCmd.PersistentFlags().GetString("output")
		_ = NewPrinter(format, os.Stderr).PrintError(err)
	}
	return err
}

func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	conf, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	if o.Debug {
		conf.Debug = true
	}
	return conf, logging.NewWithWriter(cmd.ErrOrStderr(), conf.Debug), nil
}

func (o *globalOptions) app(cmd *cobra.Command) (*app.App, error) {
	conf, log, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return o.newApp(conf, log)
}

func (o *globalOptions) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(o.OutputFormat, cmd.OutOrStdout())
}

func (o *globalOptions) pinCallback(cmd *cobra.Command) token.PinCallback {
	if o.pin != nil {
		return o.pin
	}
	if pin, ok := os.LookupEnv(PINEnv); ok {
		return pinentry.Static(pin)
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		return pinentry.NewTerminal(f, cmd.ErrOrStderr())
	}
	return pinentry.NewReader(cmd.InOrStdin(), cmd.ErrOrStderr())
}
