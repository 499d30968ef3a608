package token

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

// Provider is a registered binding between a library and one slot. It opens
// at most one authenticated session at a time.
type Provider interface {
	Name() string
	Slot() uint
	// Open logs in with pin and returns the key store of the token. The
	// caller owns pin and is responsible for wiping it.
	Open(pin []byte) (KeyStore, error)
	// Close logs out and releases the library.
	Close() error
}

// Registry tracks the providers in use. A provider name may only be
// registered once until it is unregistered.
type Registry interface {
	Register(libraryPath string, slot uint) (Provider, error)
	Unregister(p Provider) error
}

// ProviderName returns the registry name for a library and slot, e.g.
// "PKCS11-opensc-pkcs11-0".
func ProviderName(libraryPath string, slot uint) string {
	base := filepath.Base(libraryPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("PKCS11-%s-%d", base, slot)
}

// NativeRegistry registers providers backed by modules from a Loader.
type NativeRegistry struct {
	loader Loader
	log    *logging.Logger

	mu        sync.Mutex
	providers map[string]*sessionProvider
}

func NewNativeRegistry(loader Loader, log *logging.Logger) *NativeRegistry {
	if log == nil {
		log = logging.Discard()
	}
	return &NativeRegistry{
		loader:    loader,
		log:       log,
		providers: make(map[string]*sessionProvider),
	}
}

func (r *NativeRegistry) Register(libraryPath string, slot uint) (Provider, error) {
	name := ProviderName(libraryPath, slot)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderRegistered, name)
	}
	m, err := r.loader.Load(libraryPath)
	if err != nil {
		return nil, err
	}
	p := &sessionProvider{
		name:   name,
		path:   libraryPath,
		slot:   slot,
		module: m,
		loader: r.loader,
		log:    r.log,
	}
	r.providers[name] = p
	r.log.Debugf("registered provider %s", name)
	return p, nil
}

func (r *NativeRegistry) Unregister(p Provider) error {
	r.mu.Lock()
	if sp, ok := r.providers[p.Name()]; ok && Provider(sp) == p {
		delete(r.providers, p.Name())
	}
	r.mu.Unlock()
	r.log.Debugf("unregistered provider %s", p.Name())
	return p.Close()
}

// Registered returns the names of the registered providers, sorted.
func (r *NativeRegistry) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type sessionProvider struct {
	name   string
	path   string
	slot   uint
	module Module
	loader Loader
	log    *logging.Logger

	mu       sync.Mutex
	session  pkcs11.SessionHandle
	open     bool
	released bool
	// sessMu serialises calls on session between the store and its signers.
	sessMu sync.Mutex
}

func (p *sessionProvider) Name() string { return p.name }

func (p *sessionProvider) Slot() uint { return p.slot }

func (p *sessionProvider) Open(pin []byte) (KeyStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil, newError(ErrOperationFailed, fmt.Sprintf("provider %s is closed", p.name), nil)
	}
	if p.open {
		p.closeSession()
	}

	sh, err := p.module.OpenSession(p.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, Translate(err)
	}
	if err := p.module.Login(sh, pkcs11.CKU_USER, string(pin)); err != nil &&
		!errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		_ = p.module.CloseSession(sh)
		return nil, Translate(err)
	}
	p.session, p.open = sh, true

	store, err := loadStore(p.module, sh, &p.sessMu, p.log)
	if err != nil {
		p.closeSession()
		return nil, err
	}
	return store, nil
}

func (p *sessionProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil
	}
	var err error
	if p.open {
		err = p.closeSession()
	}
	p.released = true
	p.loader.Release(p.path)
	return err
}

func (p *sessionProvider) closeSession() error {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()

	var errs []error
	if err := p.module.Logout(p.session); err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)) {
		errs = append(errs, fmt.Errorf("logout %s: %w", p.name, Translate(err)))
	}
	if err := p.module.CloseSession(p.session); err != nil {
		errs = append(errs, fmt.Errorf("close session %s: %w", p.name, Translate(err)))
	}
	p.open = false
	return errors.Join(errs...)
}
