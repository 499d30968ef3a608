package certs

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

var ErrNoCertificates = errors.New("no certificates found")

// EncodeChainPKCS7 encodes chain as a degenerate PKCS#7 SignedData (.p7b).
func EncodeChainPKCS7(chain []*x509.Certificate) ([]byte, error) {
	if len(chain) == 0 {
		return nil, ErrNoCertificates
	}
	var raw []byte
	for _, c := range chain {
		raw = append(raw, c.Raw...)
	}
	der, err := pkcs7.DegenerateCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("encode pkcs7 chain: %w", err)
	}
	return der, nil
}

// ParseCertificates reads certificates from PEM, a PKCS#7 bundle (DER or
// PEM "PKCS7") or a single DER certificate.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoCertificates
	}

	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		var out []*x509.Certificate
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE":
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("parse PEM certificate: %w", err)
				}
				out = append(out, cert)
			case "PKCS7":
				certs, err := parsePKCS7(block.Bytes)
				if err != nil {
					return nil, err
				}
				out = append(out, certs...)
			}
		}
		if len(out) == 0 {
			return nil, ErrNoCertificates
		}
		return out, nil
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return []*x509.Certificate{cert}, nil
	}
	return parsePKCS7(data)
}

func parsePKCS7(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs7: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, ErrNoCertificates
	}
	return p7.Certificates, nil
}

// FindIssuer returns the certificate in candidates that issued cert.
func FindIssuer(cert *x509.Certificate, candidates []*x509.Certificate) (*x509.Certificate, bool) {
	for _, c := range candidates {
		if c == nil || c.Equal(cert) {
			continue
		}
		if !bytes.Equal(c.RawSubject, cert.RawIssuer) {
			continue
		}
		if err := cert.CheckSignatureFrom(c); err != nil {
			continue
		}
		return c, true
	}
	return nil, false
}

// BuildChain returns leaf followed by its issuers found in candidates, up to
// the first self-signed certificate or missing issuer.
func BuildChain(leaf *x509.Certificate, candidates []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	cur := leaf
	for len(chain) <= len(candidates) {
		if bytes.Equal(cur.RawSubject, cur.RawIssuer) {
			break
		}
		issuer, ok := FindIssuer(cur, candidates)
		if !ok || containsCert(chain, issuer) {
			break
		}
		chain = append(chain, issuer)
		cur = issuer
	}
	return chain
}

func containsCert(list []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range list {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}
