// Package certs holds X.509 helpers shared by the certificate sources, the
// token session and the command line front end.
package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"
)

func Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// FingerprintHex returns the lowercase hex SHA-256 fingerprint of cert.
func FingerprintHex(cert *x509.Certificate) string {
	fp := Fingerprint(cert)
	return hex.EncodeToString(fp[:])
}

// SerialHex returns the serial number of cert in normalised hex form.
func SerialHex(cert *x509.Certificate) string {
	if cert == nil || cert.SerialNumber == nil {
		return ""
	}
	return NormalizeSerial(cert.SerialNumber.Text(16))
}

// NormalizeSerial lowercases a hex serial and strips an optional 0x prefix,
// separators and leading zeros so that "0x00:1A:2B" and "1a2b" compare equal.
// A leading minus sign is kept. Input without any digit yields "".
func NormalizeSerial(serial string) string {
	s := strings.ToLower(strings.TrimSpace(serial))
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	if s == "" {
		return ""
	}
	s = strings.TrimLeft(s, "0")
	switch {
	case s == "":
		return "0"
	case neg:
		return "-" + s
	default:
		return s
	}
}

// SameSerial reports whether two hex serials denote the same number.
func SameSerial(a, b string) bool {
	return NormalizeSerial(a) == NormalizeSerial(b)
}

// UsableForSigning reports whether cert is currently valid and, when it
// declares a key usage, allows digital signatures or non-repudiation.
func UsableForSigning(cert *x509.Certificate, now time.Time) bool {
	if now.After(cert.NotAfter) || now.Before(cert.NotBefore) {
		return false
	}
	if cert.KeyUsage != 0 && (cert.KeyUsage&x509.KeyUsageDigitalSignature == 0) && (cert.KeyUsage&x509.KeyUsageContentCommitment == 0) {
		return false
	}
	return true
}

func DisplayName(cert *x509.Certificate, label string) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	if label != "" {
		return label
	}
	return cert.Subject.String()
}
