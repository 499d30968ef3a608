package app

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/vocdoni/gofirma/tokensign/internal/config"
	"github.com/vocdoni/gofirma/tokensign/internal/crypto/token"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/storage"
	"github.com/vocdoni/gofirma/tokensign/internal/testutil"
)

type staticSource struct {
	name    string
	records []token.CertificateRecord
	err     error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) List(ctx context.Context) ([]token.CertificateRecord, error) {
	return s.records, s.err
}

// slotModule exposes one token and nothing else.
type slotModule struct {
	token.Module
	serial string
}

func (m *slotModule) GetSlotList(bool) ([]uint, error) { return []uint{0}, nil }

func (m *slotModule) GetTokenInfo(uint) (pkcs11.TokenInfo, error) {
	return pkcs11.TokenInfo{SerialNumber: m.serial}, nil
}

type stubLoader struct {
	module token.Module
}

func (l *stubLoader) Load(path string) (token.Module, error) {
	if l.module == nil {
		return nil, token.ErrLibraryLoad
	}
	return l.module, nil
}

func (l *stubLoader) Release(string) {}

type memoryStore struct {
	cert  *x509.Certificate
	chain []*x509.Certificate
	key   crypto.Signer
}

func (s *memoryStore) Aliases() ([]string, error) { return []string{"key"}, nil }

func (s *memoryStore) Certificate(string) (*x509.Certificate, error) { return s.cert, nil }

func (s *memoryStore) CertificateChain(string) ([]*x509.Certificate, error) { return s.chain, nil }

func (s *memoryStore) PrivateKey(string) (crypto.Signer, error) { return s.key, nil }

type memoryProvider struct {
	store *memoryStore
	pin   string
}

func (p *memoryProvider) Name() string { return "PKCS11-memory-0" }
func (p *memoryProvider) Slot() uint   { return 0 }
func (p *memoryProvider) Close() error { return nil }

func (p *memoryProvider) Open(pin []byte) (token.KeyStore, error) {
	if string(pin) != p.pin {
		return nil, token.TranslateCode(pkcs11.CKR_PIN_INCORRECT)
	}
	return p.store, nil
}

type memoryRegistry struct {
	provider *memoryProvider
}

func (r *memoryRegistry) Register(string, uint) (token.Provider, error) { return r.provider, nil }
func (r *memoryRegistry) Unregister(p token.Provider) error             { return p.Close() }

type fixedPIN string

func (p fixedPIN) RequestPIN() ([]byte, bool) {
	if p == "" {
		return nil, false
	}
	return []byte(p), true
}

func (p fixedPIN) SetPrompt(string) {}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		OCSP:     config.OCSPConfig{Timeout: 5 * time.Second},
		AuditDir: t.TempDir(),
	}
}

func TestScanCertificatesDeduplicates(t *testing.T) {
	ca, err := testutil.GenerateTestCA("Root")
	require.NoError(t, err)
	a1, err := ca.Issue(testutil.LeafOptions{Serial: big.NewInt(0xA1), CommonName: "A"})
	require.NoError(t, err)
	b2, err := ca.Issue(testutil.LeafOptions{Serial: big.NewInt(0xB2), CommonName: "B"})
	require.NoError(t, err)

	app, err := NewWithLoader(testConfig(t), logging.Discard(), &stubLoader{})
	require.NoError(t, err)
	app.SetSources(
		&staticSource{name: "tokens", records: []token.CertificateRecord{
			{Certificate: a1.Cert, Kind: token.StoreKindPKCS11, TokenSerial: "T1"},
			{Certificate: nil},
		}},
		&staticSource{name: "broken", err: errors.New("unavailable")},
		&staticSource{name: "os", records: []token.CertificateRecord{
			{Certificate: a1.Cert, Kind: token.StoreKindOSNative},
			{Certificate: b2.Cert, Kind: token.StoreKindOSNative},
		}},
	)

	records := app.ScanCertificates(context.Background())
	require.Len(t, records, 2)
	assert.Equal(t, token.StoreKindPKCS11, records[0].Kind, "first source wins")
	assert.Equal(t, token.StoreKindOSNative, records[1].Kind)

	r, ok := app.FindCertificate("00:B2")
	require.True(t, ok)
	assert.True(t, r.Certificate.Equal(b2.Cert))
	_, ok = app.FindCertificate("ffff")
	assert.False(t, ok)
}

func TestDefaultSources(t *testing.T) {
	conf := testConfig(t)
	conf.IsolateScan = true
	app, err := NewWithLoader(conf, nil, &stubLoader{})
	require.NoError(t, err)
	require.NotEmpty(t, app.Sources())
	assert.Equal(t, "PKCS#11 (isolated)", app.Sources()[0].Name())

	conf.IsolateScan = false
	conf.AuditDir = ""
	app, err = NewWithLoader(conf, nil, &stubLoader{})
	require.NoError(t, err)
	assert.Equal(t, "PKCS#11", app.Sources()[0].Name())
	assert.Nil(t, app.AuditLogger)
}

func newSessionApp(t *testing.T) (*App, *memoryStore) {
	t.Helper()
	ca, err := testutil.GenerateTestCA("Root")
	require.NoError(t, err)
	leaf, err := ca.Issue(testutil.LeafOptions{Serial: big.NewInt(0x51), CommonName: "Signer"})
	require.NoError(t, err)

	store := &memoryStore{cert: leaf.Cert, chain: []*x509.Certificate{leaf.Cert, ca.Cert}, key: leaf.Key}
	app, err := NewWithLoader(testConfig(t), nil, &stubLoader{module: &slotModule{serial: "T1"}})
	require.NoError(t, err)
	app.Registry = &memoryRegistry{provider: &memoryProvider{store: store, pin: "1234"}}
	return app, store
}

func TestSessionAuditsLoginAndLogout(t *testing.T) {
	app, store := newSessionApp(t)
	s := app.NewSession(token.Selection{LibraryPath: "/lib.so", TokenSerial: "T1", CertificateSerial: "51"})

	require.NoError(t, s.Login(fixedPIN("1234")))
	require.NoError(t, s.Login(fixedPIN("1234")))
	sessionID := s.SessionID()

	cert, err := s.Certificate()
	require.NoError(t, err)
	assert.True(t, cert.Equal(store.cert))

	s.Logout()
	s.Logout()

	entries, err := app.AuditLogger.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, storage.EventLogin, entries[0].Event)
	assert.Equal(t, sessionID, entries[0].SessionID)
	assert.Equal(t, "PKCS11-memory-0", entries[0].Provider)
	assert.NotEmpty(t, entries[0].CertFingerprint)
	assert.Equal(t, storage.EventLogout, entries[1].Event)
	assert.Equal(t, sessionID, entries[1].SessionID)
}

func TestSessionResetAuditsLogout(t *testing.T) {
	app, _ := newSessionApp(t)
	s := app.NewSession(token.Selection{LibraryPath: "/lib.so", TokenSerial: "T1", CertificateSerial: "51"})

	require.NoError(t, s.Login(fixedPIN("1234")))
	sessionID := s.SessionID()
	s.Reset()

	assert.False(t, s.LoggedIn())
	assert.Equal(t, token.StateUnconfigured, s.State())
	assert.Equal(t, token.Selection{}, s.Selection())

	entries, err := app.AuditLogger.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, storage.EventLogout, entries[1].Event)
	assert.Equal(t, sessionID, entries[1].SessionID)
	assert.Equal(t, "T1", entries[1].TokenSerial)
}

func TestSessionAuditsFailedLogin(t *testing.T) {
	app, _ := newSessionApp(t)
	s := app.NewSession(token.Selection{LibraryPath: "/lib.so", TokenSerial: "T1", CertificateSerial: "51"})

	err := s.Login(fixedPIN(""))
	assert.ErrorIs(t, err, token.ErrUserCancelled)

	entries, err := app.AuditLogger.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.EventLoginFailed, entries[0].Event)
	assert.Equal(t, "T1", entries[0].TokenSerial)
	assert.Equal(t, token.ErrUserCancelled.Error(), entries[0].Error)
}

func TestCheckRevocation(t *testing.T) {
	ca, err := testutil.GenerateTestCA("Root")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		der, err := ocsp.CreateResponse(ca.Cert, ca.Cert, ocsp.Response{
			Status:       ocsp.Revoked,
			SerialNumber: big.NewInt(0x77),
			ThisUpdate:   time.Now(),
			RevokedAt:    time.Now().Add(-time.Hour),
		}, ca.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(der)
	}))
	defer srv.Close()

	leaf, err := ca.Issue(testutil.LeafOptions{Serial: big.NewInt(0x77), CommonName: "Leaf", OCSPServer: []string{srv.URL}})
	require.NoError(t, err)

	app, err := NewWithLoader(testConfig(t), nil, &stubLoader{})
	require.NoError(t, err)

	revoked, checked := app.CheckRevocation(context.Background(), []*x509.Certificate{leaf.Cert, ca.Cert})
	assert.True(t, checked)
	assert.True(t, revoked)

	_, checked = app.CheckRevocation(context.Background(), []*x509.Certificate{leaf.Cert})
	assert.False(t, checked)

	entries, err := app.AuditLogger.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.EventRevocationCheck, entries[0].Event)
	assert.Equal(t, "77", entries[0].CertificateSerial)
}
