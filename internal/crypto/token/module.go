package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

// Module is the part of the PKCS#11 API used by this package. *pkcs11.Ctx
// satisfies it.
type Module interface {
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// Loader hands out initialized modules by library path. Every successful
// Load must be paired with a Release of the same path.
type Loader interface {
	Load(path string) (Module, error)
	Release(path string)
}

// libraryRef tracks how many users hold a loaded library.
type libraryRef struct {
	ctx      *pkcs11.Ctx
	refCount int
}

// NativeLoader loads PKCS#11 libraries with dlopen. A library is initialized
// once per path and finalized when its last reference is released, since
// C_Initialize and C_Finalize act on the whole process.
type NativeLoader struct {
	mu   sync.Mutex
	libs map[string]*libraryRef
	log  *logging.Logger
}

func NewNativeLoader(log *logging.Logger) *NativeLoader {
	if log == nil {
		log = logging.Discard()
	}
	return &NativeLoader{
		libs: make(map[string]*libraryRef),
		log:  log,
	}
}

func (l *NativeLoader) Load(path string) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ref, ok := l.libs[path]; ok {
		ref.refCount++
		return ref.ctx, nil
	}

	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrLibraryLoad, path)
	}
	if err := ctx.Initialize(); err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
		ctx.Destroy()
		return nil, fmt.Errorf("%w: initialize %s: %w", ErrLibraryLoad, path, Translate(err))
	}
	l.log.Debugf("loaded PKCS#11 library %s", path)

	l.libs[path] = &libraryRef{ctx: ctx, refCount: 1}
	return ctx, nil
}

func (l *NativeLoader) Release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ref, ok := l.libs[path]
	if !ok {
		return
	}
	ref.refCount--
	if ref.refCount > 0 {
		return
	}
	delete(l.libs, path)
	if err := ref.ctx.Finalize(); err != nil {
		l.log.Debugf("finalize %s: %v", path, err)
	}
	ref.ctx.Destroy()
	l.log.Debugf("unloaded PKCS#11 library %s", path)
}

// Loaded reports how many references are held on path.
func (l *NativeLoader) Loaded(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.libs[path]; ok {
		return ref.refCount
	}
	return 0
}
