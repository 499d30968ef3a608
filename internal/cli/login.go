package cli

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vocdoni/gofirma/tokensign/internal/app"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
)

type loginOptions struct {
	library         string
	tokenSerial     string
	exportChain     string
	checkRevocation bool
	verifyKey       bool
}

func newLoginCmd(opts *globalOptions) *cobra.Command {
	lo := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login <certificate-serial>",
		Short: "Open an authenticated session for a certificate",
		Long: `Log in to the token holding the certificate with the given hex serial,
resolve its private key and chain, and log out again. The library and
token are looked up with a certificate scan unless given as flags.

The PIN is read from the terminal, or from the ` + PINEnv + ` environment
variable when set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd)
			if err != nil {
				return err
			}
			return runLogin(cmd, opts, lo, a, args[0])
		},
	}
	cmd.Flags().StringVar(&lo.library, "lib", "", "PKCS#11 library path")
	cmd.Flags().StringVar(&lo.tokenSerial, "token", "", "token serial number")
	cmd.Flags().StringVar(&lo.exportChain, "export-chain", "", "write the certificate chain to this PKCS#7 (.p7b) file")
	cmd.Flags().BoolVar(&lo.checkRevocation, "check-revocation", false, "check the certificate with its OCSP responder")
	cmd.Flags().BoolVar(&lo.verifyKey, "verify-key", false, "sign a random challenge and verify it with the certificate")
	return cmd
}

func runLogin(cmd *cobra.Command, opts *globalOptions, lo *loginOptions, a *app.App, serial string) error {
	ctx := cmd.Context()
	sel := token.Selection{
		LibraryPath:       lo.library,
		TokenSerial:       lo.tokenSerial,
		CertificateSerial: serial,
	}
	if sel.LibraryPath == "" || sel.TokenSerial == "" {
		a.ScanCertificates(ctx)
		rec, ok := a.FindCertificate(serial)
		if !ok {
			return fmt.Errorf("%w: no certificate with serial %s", token.ErrCertificateNotFound, serial)
		}
		if rec.Kind != token.StoreKindPKCS11 {
			return fmt.Errorf("certificate %s is not held on a PKCS#11 token", serial)
		}
		if sel.LibraryPath == "" {
			sel.LibraryPath = rec.LibraryPath
		}
		if sel.TokenSerial == "" {
			sel.TokenSerial = rec.TokenSerial
		}
	}

	s := a.NewSession(sel)
	defer s.Logout()

	if err := s.Login(opts.pinCallback(cmd)); err != nil {
		return err
	}
	cert, err := s.Certificate()
	if err != nil {
		return err
	}
	chain, err := s.CertificateChain()
	if err != nil {
		return err
	}

	view := sessionView{
		Provider:    s.ProviderName(),
		SessionID:   s.SessionID(),
		TokenSerial: sel.TokenSerial,
		Certificate: newCertificateView(token.CertificateRecord{
			Certificate: cert,
			Kind:        token.StoreKindPKCS11,
			TokenSerial: sel.TokenSerial,
			LibraryPath: sel.LibraryPath,
		}, time.Now()),
		ChainLength: len(chain),
	}

	if lo.verifyKey {
		key, err := s.PrivateKey()
		if err != nil {
			return err
		}
		verified := verifyKeyPair(key, cert) == nil
		view.KeyVerified = &verified
	}

	if lo.exportChain != "" {
		der, err := certs.EncodeChainPKCS7(chain)
		if err != nil {
			return err
		}
		if err := os.WriteFile(lo.exportChain, der, 0644); err != nil {
			return fmt.Errorf("write chain: %w", err)
		}
		view.ChainFile = lo.exportChain
	}

	if lo.checkRevocation {
		rv := revocationView{Serial: certs.SerialHex(cert)}
		rv.Revoked, rv.Checked = a.CheckRevocation(ctx, chain)
		view.Revocation = &rv
	}

	return opts.printer(cmd).PrintSession(view)
}

// verifyKeyPair signs a random SHA-256 digest with key and checks the
// signature against the public key of cert.
func verifyKeyPair(key crypto.Signer, cert *x509.Certificate) error {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	digest := sha256.Sum256(challenge)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errors.New("signature does not verify")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}
