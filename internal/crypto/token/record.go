package token

import "crypto/x509"

// StoreKind tags where a certificate was found.
type StoreKind string

const (
	StoreKindPKCS11   StoreKind = "pkcs11"
	StoreKindOSNative StoreKind = "os-native"
)

// CertificateRecord is a certificate read without authentication. It holds
// no session and stays valid after the library is unloaded.
type CertificateRecord struct {
	Certificate *x509.Certificate
	Kind        StoreKind
	TokenSerial string
	LibraryPath string
	// Label is the CKA_LABEL of the certificate object, or the store's own
	// name for OS-native certificates.
	Label string
	// KeyID is the CKA_ID linking the certificate to its private key.
	KeyID []byte
}
