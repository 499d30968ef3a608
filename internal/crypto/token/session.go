package token

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/metrics"
)

// MaxPINAttempts is the number of PIN prompts a single Login makes before
// giving up, well below the lockout counter of common tokens.
const MaxPINAttempts = 3

type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Selection identifies the certificate to sign with.
type Selection struct {
	LibraryPath string
	TokenSerial string
	// CertificateSerial is the hex serial number of the signing certificate.
	CertificateSerial string
}

// PinCallback obtains the user PIN. RequestPIN blocks until the user answers
// and returns ok=false when the user cancels. The returned buffer is wiped
// after use.
type PinCallback interface {
	RequestPIN() (pin []byte, ok bool)
	SetPrompt(prompt string)
}

// Manager owns the authenticated session to one token. All methods are
// safe for concurrent use and serialise on the manager, including while
// Login waits for the PIN.
type Manager struct {
	loader   Loader
	registry Registry
	log      *logging.Logger

	state atomic.Int32

	mu        sync.Mutex
	sel       Selection
	provider  Provider
	store     KeyStore
	loggedIn  bool
	aliases   map[string]string
	sessionID string
}

func NewManager(loader Loader, registry Registry, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		loader:   loader,
		registry: registry,
		log:      log,
		aliases:  make(map[string]string),
	}
}

// State returns the current state without waiting for a Login in progress.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// idleState returns the state matching the selection when not logged in.
func (m *Manager) idleState() State {
	if m.sel.LibraryPath != "" && m.sel.TokenSerial != "" {
		return StateConfigured
	}
	return StateUnconfigured
}

func (m *Manager) Configure(sel Selection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sel = sel
	m.refreshState()
}

func (m *Manager) SetLibraryPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sel.LibraryPath = path
	m.refreshState()
}

func (m *Manager) SetTokenSerial(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sel.TokenSerial = serial
	m.refreshState()
}

func (m *Manager) SetCertificateSerial(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sel.CertificateSerial = serial
}

func (m *Manager) refreshState() {
	if !m.loggedIn {
		m.setState(m.idleState())
	}
}

func (m *Manager) Selection() Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sel
}

func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

// ProviderName returns the name of the registered provider, or "".
func (m *Manager) ProviderName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider == nil {
		return ""
	}
	return m.provider.Name()
}

// SessionID identifies the current login in logs and audit records.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Login authenticates to the configured token, prompting for the PIN up to
// MaxPINAttempts times. It returns immediately when already logged in.
func (m *Manager) Login(cb PinCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loggedIn {
		return nil
	}
	if m.sel.LibraryPath == "" || m.sel.TokenSerial == "" {
		return ErrNotConfigured
	}
	if cb == nil {
		return fmt.Errorf("%w: no PIN callback", ErrNotConfigured)
	}

	m.setState(StateAuthenticating)
	if err := m.login(cb); err != nil {
		m.dropProvider()
		m.setState(m.idleState())
		return err
	}
	m.setState(StateAuthenticated)
	return nil
}

func (m *Manager) login(cb PinCallback) error {
	// The library stays initialized until the attempts are over, so the
	// slot resolved here is the one every provider opens.
	mod, err := m.loader.Load(m.sel.LibraryPath)
	if err != nil {
		return err
	}
	defer m.loader.Release(m.sel.LibraryPath)

	slot, err := FindSlotBySerial(mod, m.sel.TokenSerial)
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= MaxPINAttempts; attempt++ {
		res := m.attempt(slot, attempt, cb)
		switch res.kind {
		case attemptSuccess:
			m.store = res.store
			m.loggedIn = true
			m.sessionID = uuid.NewString()
			m.log.Infof("logged in to token %s using %s (session %s)", m.sel.TokenSerial, m.provider.Name(), m.sessionID)
			return nil
		case attemptRetry:
			m.log.Warnf("incorrect PIN for token %s, %d attempts left", m.sel.TokenSerial, res.remaining)
			cb.SetPrompt(fmt.Sprintf("Incorrect PIN. Try again (%d left)", res.remaining))
		default:
			return res.err
		}
	}
	return newError(ErrIncorrectPIN, "signing aborted, PIN retry limit exceeded", nil)
}

type attemptKind int

const (
	attemptSuccess attemptKind = iota
	attemptRetry
	attemptFatal
)

type attemptResult struct {
	kind      attemptKind
	store     KeyStore
	remaining int
	err       error
}

func (m *Manager) attempt(slot uint, attempt int, cb PinCallback) attemptResult {
	m.dropProvider()

	p, err := m.registry.Register(m.sel.LibraryPath, slot)
	if err != nil {
		metrics.RecordLoginAttempt(metrics.OutcomeError)
		return attemptResult{kind: attemptFatal, err: err}
	}
	m.provider = p

	pin, ok := cb.RequestPIN()
	defer clear(pin)
	if !ok {
		metrics.RecordLoginAttempt(metrics.OutcomeCancelled)
		return attemptResult{kind: attemptFatal, err: ErrUserCancelled}
	}

	store, err := p.Open(pin)
	clear(pin)
	if err == nil {
		metrics.RecordLoginAttempt(metrics.OutcomeSuccess)
		return attemptResult{kind: attemptSuccess, store: store}
	}
	return classifyLoginFailure(err, attempt)
}

// classifyLoginFailure decides from the native code recorded on err whether
// a failed attempt may be retried.
func classifyLoginFailure(err error, attempt int) attemptResult {
	code, ok := NativeCode(err)
	switch {
	case ok && code == pkcs11.CKR_PIN_LOCKED:
		metrics.RecordLoginAttempt(metrics.OutcomeLocked)
		return attemptResult{kind: attemptFatal, err: newError(ErrIncorrectPIN, "PIN is locked on the token, unblock or reset the PIN", err)}
	case ok && code == pkcs11.CKR_PIN_INCORRECT:
		metrics.RecordLoginAttempt(metrics.OutcomeIncorrectPIN)
		if remaining := MaxPINAttempts - attempt; remaining > 0 {
			return attemptResult{kind: attemptRetry, remaining: remaining}
		}
		return attemptResult{kind: attemptFatal, err: newError(ErrIncorrectPIN, "signing aborted, PIN retry limit exceeded", err)}
	default:
		metrics.RecordLoginAttempt(metrics.OutcomeError)
		return attemptResult{kind: attemptFatal, err: err}
	}
}

// dropProvider unregisters the current provider. Failures are logged only.
func (m *Manager) dropProvider() {
	if m.provider == nil {
		return
	}
	if err := m.registry.Unregister(m.provider); err != nil {
		m.log.Warnf("unregister provider %s: %v", m.provider.Name(), err)
	}
	m.provider = nil
}

// Logout closes the session and forgets the key store and resolved aliases.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logout()
}

func (m *Manager) logout() {
	if m.loggedIn {
		m.log.Infof("logging out of token %s (session %s)", m.sel.TokenSerial, m.sessionID)
	}
	m.dropProvider()
	m.store = nil
	m.loggedIn = false
	m.sessionID = ""
	clear(m.aliases)
	m.setState(m.idleState())
}

// Reset logs out and clears the selection.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logout()
	m.sel = Selection{}
	m.setState(StateUnconfigured)
}

func (m *Manager) PrivateKey() (crypto.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alias, err := m.resolveAlias()
	if err != nil {
		return nil, err
	}
	return m.store.PrivateKey(alias)
}

func (m *Manager) Certificate() (*x509.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alias, err := m.resolveAlias()
	if err != nil {
		return nil, err
	}
	return m.store.Certificate(alias)
}

func (m *Manager) CertificateChain() ([]*x509.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alias, err := m.resolveAlias()
	if err != nil {
		return nil, err
	}
	chain, err := m.store.CertificateChain(alias)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificate chain found", ErrCertificateNotFound)
	}
	return chain, nil
}

// resolveAlias finds the alias whose certificate has the selected serial.
// Hits are cached until logout; misses are not.
func (m *Manager) resolveAlias() (string, error) {
	if !m.loggedIn {
		return "", ErrKeyStoreNotInitialized
	}
	serial := certs.NormalizeSerial(m.sel.CertificateSerial)
	if serial == "" {
		return "", fmt.Errorf("%w: no certificate serial selected", ErrCertificateNotFound)
	}
	if alias, ok := m.aliases[serial]; ok {
		return alias, nil
	}

	aliases, err := m.store.Aliases()
	if err != nil {
		return "", err
	}
	for _, alias := range aliases {
		cert, err := m.store.Certificate(alias)
		if err != nil {
			continue
		}
		if certs.SerialHex(cert) == serial {
			m.aliases[serial] = alias
			return alias, nil
		}
	}
	return "", fmt.Errorf("%w: no certificate with serial %s on token %s", ErrCertificateNotFound, m.sel.CertificateSerial, m.sel.TokenSerial)
}
