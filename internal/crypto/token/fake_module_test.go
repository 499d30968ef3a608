package token

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/require"

	"github.com/vocdoni/gofirma/tokensign/internal/testutil"
)

// fakeObject is an object stored on a fakeToken.
type fakeObject struct {
	handle   pkcs11.ObjectHandle
	class    uint
	attrs    map[uint][]byte
	failRead bool
	key      crypto.Signer
}

type fakeToken struct {
	serial    string
	label     string
	pin       string
	pinLocked bool
	loginErr  error
	loggedIn  bool
	objects   []*fakeObject
}

type fakeSession struct {
	slot      uint
	found     []pkcs11.ObjectHandle
	finding   bool
	signKey   *fakeObject
	mechanism uint
}

// fakeModule is an in-memory PKCS#11 module.
type fakeModule struct {
	mu          sync.Mutex
	slotIDs     []uint
	tokens      map[uint]*fakeToken
	sessions    map[pkcs11.SessionHandle]*fakeSession
	nextSession pkcs11.SessionHandle
	nextObject  pkcs11.ObjectHandle

	slotListErr error
	openErr     map[uint]error

	opened     int
	closed     int
	loginCalls int
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		tokens:   make(map[uint]*fakeToken),
		sessions: make(map[pkcs11.SessionHandle]*fakeSession),
		openErr:  make(map[uint]error),
	}
}

func (f *fakeModule) addToken(slot uint, tok *fakeToken) *fakeToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slotIDs = append(f.slotIDs, slot)
	f.tokens[slot] = tok
	return tok
}

func (f *fakeModule) newObject(tok *fakeToken, class uint, attrs map[uint][]byte) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextObject++
	obj := &fakeObject{handle: f.nextObject, class: class, attrs: attrs}
	tok.objects = append(tok.objects, obj)
	return obj
}

// addIdentity stores cert and, when key is not nil, its private key.
func (f *fakeModule) addIdentity(tok *fakeToken, cert *x509.Certificate, label string, id []byte, key crypto.Signer, canSign bool) {
	f.newObject(tok, pkcs11.CKO_CERTIFICATE, map[uint][]byte{
		pkcs11.CKA_VALUE: cert.Raw,
		pkcs11.CKA_LABEL: []byte(label),
		pkcs11.CKA_ID:    id,
	})
	if key == nil {
		return
	}
	sign := []byte{0}
	if canSign {
		sign = []byte{1}
	}
	obj := f.newObject(tok, pkcs11.CKO_PRIVATE_KEY, map[uint][]byte{
		pkcs11.CKA_ID:    id,
		pkcs11.CKA_LABEL: []byte(label),
		pkcs11.CKA_SIGN:  sign,
	})
	obj.key = key
}

func (f *fakeModule) openSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeModule) GetSlotList(tokenPresent bool) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slotListErr != nil {
		return nil, f.slotListErr
	}
	return append([]uint(nil), f.slotIDs...), nil
}

func (f *fakeModule) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.TokenInfo{
		Label:        fmt.Sprintf("%-32s", tok.label),
		SerialNumber: fmt.Sprintf("%-16s", tok.serial),
	}, nil
}

func (f *fakeModule) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[slotID]; err != nil {
		return 0, err
	}
	if _, ok := f.tokens[slotID]; !ok {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	f.nextSession++
	f.sessions[f.nextSession] = &fakeSession{slot: slotID}
	f.opened++
	return f.nextSession, nil
}

func (f *fakeModule) CloseSession(sh pkcs11.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(f.sessions, sh)
	f.closed++
	return nil
}

func (f *fakeModule) session(sh pkcs11.SessionHandle) (*fakeSession, *fakeToken, error) {
	s, ok := f.sessions[sh]
	if !ok {
		return nil, nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, f.tokens[s.slot], nil
}

func (f *fakeModule) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	_, tok, err := f.session(sh)
	if err != nil {
		return err
	}
	switch {
	case tok.loginErr != nil:
		return tok.loginErr
	case tok.pinLocked:
		return pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
	case tok.loggedIn:
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	case pin != tok.pin:
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	tok.loggedIn = true
	return nil
}

func (f *fakeModule) Logout(sh pkcs11.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, tok, err := f.session(sh)
	if err != nil {
		return err
	}
	if !tok.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	tok.loggedIn = false
	return nil
}

func (f *fakeModule) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, tok, err := f.session(sh)
	if err != nil {
		return err
	}
	if s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	s.finding = true
	s.found = nil
	for _, obj := range tok.objects {
		if obj.class == pkcs11.CKO_PRIVATE_KEY && !tok.loggedIn {
			continue
		}
		if matches(obj, temp) {
			s.found = append(s.found, obj.handle)
		}
	}
	return nil
}

func matches(obj *fakeObject, temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		if a.Type == pkcs11.CKA_CLASS {
			if !bytes.Equal(a.Value, pkcs11.NewAttribute(pkcs11.CKA_CLASS, obj.class).Value) {
				return false
			}
			continue
		}
		v, ok := obj.attrs[a.Type]
		if !ok || !bytes.Equal(v, a.Value) {
			return false
		}
	}
	return true
}

func (f *fakeModule) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, _, err := f.session(sh)
	if err != nil {
		return nil, false, err
	}
	if !s.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := min(max, len(s.found))
	out := s.found[:n]
	s.found = s.found[n:]
	return out, len(s.found) > 0, nil
}

func (f *fakeModule) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, _, err := f.session(sh)
	if err != nil {
		return err
	}
	s.finding = false
	s.found = nil
	return nil
}

func (f *fakeModule) object(tok *fakeToken, h pkcs11.ObjectHandle) *fakeObject {
	for _, obj := range tok.objects {
		if obj.handle == h {
			return obj
		}
	}
	return nil
}

func (f *fakeModule) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, tok, err := f.session(sh)
	if err != nil {
		return nil, err
	}
	obj := f.object(tok, o)
	if obj == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	if obj.failRead {
		return nil, pkcs11.Error(pkcs11.CKR_GENERAL_ERROR)
	}
	out := make([]*pkcs11.Attribute, 0, len(a))
	for _, want := range a {
		v, ok := obj.attrs[want.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		out = append(out, pkcs11.NewAttribute(want.Type, v))
	}
	return out, nil
}

func (f *fakeModule) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, tok, err := f.session(sh)
	if err != nil {
		return err
	}
	if !tok.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	obj := f.object(tok, o)
	if obj == nil || obj.key == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	s.signKey = obj
	s.mechanism = m[0].Mechanism
	return nil
}

func (f *fakeModule) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, _, err := f.session(sh)
	if err != nil {
		return nil, err
	}
	if s.signKey == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	key := s.signKey.key
	s.signKey = nil

	switch s.mechanism {
	case pkcs11.CKM_RSA_PKCS:
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		return rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.Hash(0), message)
	case pkcs11.CKM_ECDSA:
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		r, sv, err := ecdsa.Sign(rand.Reader, ecKey, message)
		if err != nil {
			return nil, err
		}
		size := (ecKey.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*size)
		r.FillBytes(out[:size])
		sv.FillBytes(out[size:])
		return out, nil
	default:
		return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
}

// fakeLoader serves fakeModules by path and counts references.
type fakeLoader struct {
	mu       sync.Mutex
	modules  map[string]*fakeModule
	refs     map[string]int
	loads    int
	releases int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		modules: make(map[string]*fakeModule),
		refs:    make(map[string]int),
	}
}

func (l *fakeLoader) add(path string, m *fakeModule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[path] = m
}

func (l *fakeLoader) Load(path string) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modules[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryLoad, path)
	}
	l.loads++
	l.refs[path]++
	return m, nil
}

func (l *fakeLoader) Release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.refs[path]--
}

func (l *fakeLoader) held(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs[path]
}

// tokenFixture is a CA, a token with two signing identities, and a loader
// serving it at fixtureLibrary.
type tokenFixture struct {
	ca      *testutil.TestCA
	inter   *testutil.TestCA
	module  *fakeModule
	token   *fakeToken
	loader  *fakeLoader
	signerA *testutil.TestCertificate
	signerB *testutil.TestCertificate
}

const (
	fixtureLibrary = "/usr/lib/fake-pkcs11.so"
	fixtureSerial  = "TOKEN0001"
	fixturePIN     = "123456"
)

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()

	ca, err := testutil.GenerateTestCA("Test Root")
	require.NoError(t, err)
	inter, err := ca.IssueCA("Test Intermediate")
	require.NoError(t, err)
	signerA, err := inter.Issue(testutil.LeafOptions{Serial: big.NewInt(0x1A2B), CommonName: "Signer A"})
	require.NoError(t, err)
	signerB, err := inter.Issue(testutil.LeafOptions{Serial: big.NewInt(0xFFEE), CommonName: "Signer B", RSA: true})
	require.NoError(t, err)

	mod := newFakeModule()
	tok := mod.addToken(1, &fakeToken{serial: fixtureSerial, label: "Test Token", pin: fixturePIN})
	mod.addIdentity(tok, signerA.Cert, "A", []byte{0x01}, signerA.Key, true)
	mod.addIdentity(tok, signerB.Cert, "B", []byte{0x02}, signerB.Key, true)
	mod.addIdentity(tok, inter.Cert, "intermediate", nil, nil, false)
	mod.addIdentity(tok, ca.Cert, "root", nil, nil, false)

	loader := newFakeLoader()
	loader.add(fixtureLibrary, mod)

	return &tokenFixture{
		ca:      ca,
		inter:   inter,
		module:  mod,
		token:   tok,
		loader:  loader,
		signerA: signerA,
		signerB: signerB,
	}
}

func testLeaf(serial int64) testutil.LeafOptions {
	return testutil.LeafOptions{
		Serial:     big.NewInt(serial),
		CommonName: fmt.Sprintf("Signer %x", serial),
	}
}

// renumber moves the tokens to slots base, base+1, ... as a library may do
// on a fresh C_Initialize.
func (f *fakeModule) renumber(base uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint, 0, len(f.slotIDs))
	tokens := make(map[uint]*fakeToken, len(f.tokens))
	for i, id := range f.slotIDs {
		next := base + uint(i)
		ids = append(ids, next)
		tokens[next] = f.tokens[id]
	}
	f.slotIDs, f.tokens = ids, tokens
}

// reinitLoader finalizes its module when the last reference is released,
// like NativeLoader, and renumbers the slots on every fresh initialization.
type reinitLoader struct {
	mu     sync.Mutex
	module *fakeModule
	refs   int
	inits  int
}

func (l *reinitLoader) Load(path string) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if path != fixtureLibrary {
		return nil, fmt.Errorf("%w: %s", ErrLibraryLoad, path)
	}
	if l.refs == 0 {
		l.inits++
		l.module.renumber(uint(l.inits * 10))
	}
	l.refs++
	return l.module, nil
}

func (l *reinitLoader) Release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs--
}
