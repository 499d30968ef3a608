package token

import (
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"
)

var (
	ErrInvalidSlot            = errors.New("token: invalid slot ID")
	ErrTokenNotPresent        = errors.New("token: no token present in the slot")
	ErrTokenNotRecognized     = errors.New("token: unrecognized token in slot")
	ErrDeviceRemoved          = errors.New("token: cryptographic device removed during operation")
	ErrOperationFailed        = errors.New("token: operation failed")
	ErrIncorrectPIN           = errors.New("token: incorrect PIN")
	ErrTokenNotFound          = errors.New("token: token or HSM not found")
	ErrUserCancelled          = errors.New("token: PIN entry cancelled by user")
	ErrKeyStoreNotInitialized = errors.New("token: key store not initialized, login first")
	ErrCertificateNotFound    = errors.New("token: certificate not found")
	ErrNotX509Certificate     = errors.New("token: not an X.509 certificate")
	ErrPrivateKeyNotFound     = errors.New("token: private key not found")
	ErrPrivateKeyInaccessible = errors.New("token: private key not accessible")
	ErrNotConfigured          = errors.New("token: library path and token serial must be set")
	ErrLibraryLoad            = errors.New("token: failed to load PKCS#11 library")
	ErrProviderRegistered     = errors.New("token: provider already registered")
)

// Error is a PKCS#11 failure translated into one of the package sentinels.
// The native return value is recorded when the error is created so callers
// never have to dig through wrapped causes to find it.
type Error struct {
	// Kind is the sentinel this error matches with errors.Is.
	Kind    error
	Message string
	Err     error

	code    pkcs11.Error
	hasCode bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NativeCode returns the PKCS#11 return value behind e, if any.
func (e *Error) NativeCode() (pkcs11.Error, bool) {
	return e.code, e.hasCode
}

func newError(kind error, msg string, cause error) *Error {
	e := &Error{Kind: kind, Message: msg, Err: cause}
	var te *Error
	if errors.As(cause, &te) {
		e.code, e.hasCode = te.code, te.hasCode
	}
	return e
}

// TranslateCode maps a PKCS#11 return value to an *Error.
func TranslateCode(code pkcs11.Error) *Error {
	e := &Error{Err: code, code: code, hasCode: true}
	switch code {
	case pkcs11.CKR_SLOT_ID_INVALID:
		e.Kind = ErrInvalidSlot
	case pkcs11.CKR_TOKEN_NOT_PRESENT:
		e.Kind = ErrTokenNotPresent
	case pkcs11.CKR_TOKEN_NOT_RECOGNIZED:
		e.Kind = ErrTokenNotRecognized
	case pkcs11.CKR_PIN_INCORRECT:
		e.Kind = ErrIncorrectPIN
	case pkcs11.CKR_DEVICE_REMOVED:
		e.Kind = ErrDeviceRemoved
	default:
		e.Kind = ErrOperationFailed
		e.Message = fmt.Sprintf("PKCS#11 error: %s", code.Error())
	}
	return e
}

// Translate converts err into an *Error. Errors already translated are
// returned as is; errors that carry no PKCS#11 code become
// ErrOperationFailed with the original message.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	var code pkcs11.Error
	if errors.As(err, &code) {
		return TranslateCode(code)
	}
	return &Error{Kind: ErrOperationFailed, Message: fmt.Sprintf("PKCS#11 error: %v", err), Err: err}
}

// NativeCode returns the PKCS#11 return value recorded on err by Translate.
func NativeCode(err error) (pkcs11.Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.NativeCode()
	}
	return 0, false
}

// IsPINLocked reports whether err was caused by CKR_PIN_LOCKED.
func IsPINLocked(err error) bool {
	code, ok := NativeCode(err)
	return ok && code == pkcs11.CKR_PIN_LOCKED
}

// IsIncorrectPIN reports whether err was caused by CKR_PIN_INCORRECT.
func IsIncorrectPIN(err error) bool {
	code, ok := NativeCode(err)
	return ok && code == pkcs11.CKR_PIN_INCORRECT
}
