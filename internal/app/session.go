package app

import (
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/storage"
)

// Session is a token.Manager whose logins and logouts are audited.
type Session struct {
	*token.Manager
	app *App
}

func (s *Session) Login(cb token.PinCallback) error {
	if s.LoggedIn() {
		return nil
	}
	err := s.Manager.Login(cb)
	sel := s.Selection()
	entry := storage.AuditEntry{
		LibraryPath:       sel.LibraryPath,
		TokenSerial:       sel.TokenSerial,
		CertificateSerial: sel.CertificateSerial,
	}
	if err != nil {
		entry.Event = storage.EventLoginFailed
		entry.Error = err.Error()
		s.app.audit(entry)
		return err
	}
	entry.Event = storage.EventLogin
	entry.SessionID = s.SessionID()
	entry.Provider = s.ProviderName()
	if cert, err := s.Certificate(); err == nil {
		entry.CertFingerprint = certs.FingerprintHex(cert)
	}
	s.app.audit(entry)
	return nil
}

func (s *Session) Logout() {
	if !s.LoggedIn() {
		s.Manager.Logout()
		return
	}
	sessionID := s.SessionID()
	sel := s.Selection()
	s.Manager.Logout()
	s.app.audit(storage.AuditEntry{
		Event:       storage.EventLogout,
		SessionID:   sessionID,
		LibraryPath: sel.LibraryPath,
		TokenSerial: sel.TokenSerial,
	})
}

// Reset logs out like Logout, auditing an open session, and clears the
// selection.
func (s *Session) Reset() {
	s.Logout()
	s.Manager.Reset()
}
