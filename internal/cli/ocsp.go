package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/revocation"
)

func newOCSPCmd(opts *globalOptions) *cobra.Command {
	var issuerFile, responder string
	cmd := &cobra.Command{
		Use:   "ocsp <cert-file>",
		Short: "Check a certificate against its OCSP responder",
		Long: `Check whether a certificate is revoked. The file may hold a PEM or DER
certificate or a PKCS#7 bundle; the issuer is taken from the bundle or
from --issuer. Responder failures are reported as not revoked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd)
			if err != nil {
				return err
			}

			list, err := readCertificates(args[0])
			if err != nil {
				return err
			}
			leaf, candidates := list[0], list[1:]
			if issuerFile != "" {
				extra, err := readCertificates(issuerFile)
				if err != nil {
					return err
				}
				candidates = append(candidates, extra...)
			}
			issuer, ok := certs.FindIssuer(leaf, candidates)
			if !ok {
				return errors.New("issuer certificate not found, use --issuer")
			}

			uri := responder
			if uri == "" {
				if uri, ok = revocation.ResponderURI(leaf); !ok {
					return errors.New("certificate names no OCSP responder, use --url")
				}
			}

			revoked := a.Checker.CheckRevoked(cmd.Context(), leaf, issuer, uri)
			return opts.printer(cmd).PrintRevocation(revocationView{
				Serial:    certs.SerialHex(leaf),
				Responder: uri,
				Checked:   true,
				Revoked:   revoked,
			})
		},
	}
	cmd.Flags().StringVar(&issuerFile, "issuer", "", "issuer certificate file")
	cmd.Flags().StringVar(&responder, "url", "", "OCSP responder URL, overriding the certificate")
	return cmd
}

func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	list, err := certs.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return list, nil
}
