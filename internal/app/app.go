// Package app wires configuration, certificate sources, token sessions and
// revocation checking together for the front ends.
package app

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/vocdoni/gofirma/tokensign/internal/config"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/revocation"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/systemstore"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/storage"
)

type App struct {
	Config   *config.Config
	Log      *logging.Logger
	Loader   token.Loader
	Registry token.Registry
	Checker  *revocation.Checker
	// AuditLogger is nil when no audit directory is configured.
	AuditLogger *storage.AuditLogger

	enumerator *token.Enumerator
	sources    []systemstore.Source

	mu           sync.Mutex
	Certificates []token.CertificateRecord
}

// New builds an App using the native PKCS#11 loader.
func New(conf *config.Config, log *logging.Logger) (*App, error) {
	return NewWithLoader(conf, log, token.NewNativeLoader(log))
}

func NewWithLoader(conf *config.Config, log *logging.Logger, loader token.Loader) (*App, error) {
	if log == nil {
		log = logging.Discard()
	}
	a := &App{
		Config:     conf,
		Log:        log,
		Loader:     loader,
		Registry:   token.NewNativeRegistry(loader, log),
		enumerator: token.NewEnumerator(loader, log),
		Checker: revocation.NewChecker(revocation.Options{
			Timeout: conf.OCSP.Timeout,
			Proxy:   conf.Proxy.URL(),
		}, log.With("component", "ocsp")),
	}

	if conf.AuditDir != "" {
		audit, err := storage.NewAuditLogger(conf.AuditDir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit logger: %w", err)
		}
		a.AuditLogger = audit
	}

	paths := conf.AvailableLibraryPaths()
	if conf.IsolateScan {
		a.sources = append(a.sources, &systemstore.WorkerSource{Paths: paths, Log: log})
	} else {
		a.sources = append(a.sources, &systemstore.LibrarySource{Enumerator: a.enumerator, Paths: paths})
	}
	if conf.OSStore {
		if osStore := (&systemstore.OSStore{Label: "System", Log: log}); osStore.Supported() {
			a.sources = append(a.sources, osStore)
		}
	}
	return a, nil
}

func (a *App) Sources() []systemstore.Source {
	return a.sources
}

// SetSources replaces the certificate sources.
func (a *App) SetSources(sources ...systemstore.Source) {
	a.sources = sources
}

// ScanCertificates lists every source in order and keeps the first record
// seen for each certificate fingerprint. A failing source is logged and
// skipped.
func (a *App) ScanCertificates(ctx context.Context) []token.CertificateRecord {
	var all []token.CertificateRecord
	for _, src := range a.sources {
		records, err := src.List(ctx)
		if err != nil {
			a.Log.Warnf("certificate source %s failed: %v", src.Name(), err)
		}
		all = append(all, records...)
	}

	seen := make(map[[32]byte]bool)
	var filtered []token.CertificateRecord
	for _, r := range all {
		if r.Certificate == nil {
			continue
		}
		fp := certs.Fingerprint(r.Certificate)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		filtered = append(filtered, r)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Certificates = filtered
	return filtered
}

// FindCertificate returns the scanned record with the given hex serial.
func (a *App) FindCertificate(serial string) (token.CertificateRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.Certificates {
		if certs.SameSerial(certs.SerialHex(r.Certificate), serial) {
			return r, true
		}
	}
	return token.CertificateRecord{}, false
}

// NewSession returns a token session for sel that writes audit entries.
func (a *App) NewSession(sel token.Selection) *Session {
	m := token.NewManager(a.Loader, a.Registry, a.Log)
	m.Configure(sel)
	return &Session{Manager: m, app: a}
}

// CheckRevocation queries the OCSP responder of chain[0] using chain[1] as
// issuer. It reports checked=false when the chain has no issuer or the
// leaf names no responder.
func (a *App) CheckRevocation(ctx context.Context, chain []*x509.Certificate) (revoked, checked bool) {
	if len(chain) < 2 {
		return false, false
	}
	uri, ok := revocation.ResponderURI(chain[0])
	if !ok {
		return false, false
	}
	revoked = a.Checker.CheckRevoked(ctx, chain[0], chain[1], uri)
	a.audit(storage.AuditEntry{
		Event:             storage.EventRevocationCheck,
		CertificateSerial: certs.SerialHex(chain[0]),
		CertFingerprint:   certs.FingerprintHex(chain[0]),
		Revoked:           &revoked,
	})
	return revoked, true
}

func (a *App) audit(entry storage.AuditEntry) {
	if a.AuditLogger == nil {
		return
	}
	if err := a.AuditLogger.Log(entry); err != nil {
		a.Log.Warnf("audit: %v", err)
	}
}
