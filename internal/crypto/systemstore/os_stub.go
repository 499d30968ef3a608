//go:build !(darwin || windows) || !cgo

package systemstore

import (
	"context"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

// OSStore is empty where no native certificate store is available.
type OSStore struct {
	Label string
	Log   *logging.Logger
}

func (s *OSStore) Supported() bool { return false }

func (s *OSStore) Name() string { return s.Label }

func (s *OSStore) List(ctx context.Context) ([]token.CertificateRecord, error) {
	return nil, nil
}
