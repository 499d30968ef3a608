//go:build (darwin || windows) && cgo

package systemstore

import (
	"context"
	"fmt"
	"time"

	"github.com/github/smimesign/certstore"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

// OSStore lists the signing identities of the Keychain or the Windows
// certificate store. Smart cards registered with the OS appear here too.
type OSStore struct {
	Label string
	Log   *logging.Logger
}

// Supported reports whether the OS store can be read in this build.
func (s *OSStore) Supported() bool { return true }

func (s *OSStore) Name() string { return s.Label }

func (s *OSStore) List(ctx context.Context) ([]token.CertificateRecord, error) {
	st, err := certstore.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open system store: %w", err)
	}
	defer st.Close()

	identities, err := st.Identities()
	if err != nil {
		return nil, fmt.Errorf("failed to list system identities: %w", err)
	}

	now := time.Now()
	var result []token.CertificateRecord
	for _, id := range identities {
		cert, err := id.Certificate()
		id.Close()
		if err != nil {
			continue
		}
		if !certs.UsableForSigning(cert, now) {
			continue
		}
		result = append(result, token.CertificateRecord{
			Certificate: cert,
			Kind:        token.StoreKindOSNative,
			Label:       s.Label,
		})
	}
	if s.Log != nil {
		s.Log.Debugf("found %d usable identities in %s", len(result), s.Label)
	}
	return result, ctx.Err()
}
