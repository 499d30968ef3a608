// Package systemstore provides the certificate sources listed alongside the
// PKCS#11 tokens: the enumerator itself, an isolated scan worker process and
// the operating system certificate store.
package systemstore

import (
	"context"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
)

// Source lists certificates available for signing.
type Source interface {
	Name() string
	List(ctx context.Context) ([]token.CertificateRecord, error)
}

// LibrarySource scans PKCS#11 libraries in-process.
type LibrarySource struct {
	Enumerator *token.Enumerator
	Paths      []string
}

func (s *LibrarySource) Name() string { return "PKCS#11" }

// List never fails: broken libraries are skipped by the enumerator.
func (s *LibrarySource) List(ctx context.Context) ([]token.CertificateRecord, error) {
	return s.Enumerator.LoadCertificates(ctx, s.Paths), nil
}
