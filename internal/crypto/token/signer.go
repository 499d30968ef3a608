package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

var (
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

var errUnsupportedKey = errors.New("token: unsupported key type")

// digestPrefix returns the DER DigestInfo header that precedes a digest of
// the given hash in a PKCS#1 v1.5 signature.
func digestPrefix(hash crypto.Hash) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	switch hash {
	case crypto.SHA1:
		oid = oidSHA1
	case crypto.SHA256:
		oid = oidSHA256
	case crypto.SHA384:
		oid = oidSHA384
	case crypto.SHA512:
		oid = oidSHA512
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %v", hash)
	}

	di := digestInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
		Digest: make([]byte, hash.Size()),
	}
	full, err := asn1.Marshal(di)
	if err != nil {
		return nil, err
	}
	return full[:len(full)-hash.Size()], nil
}

// Signer is a private key on a logged-in token. It is only usable while the
// session that produced it stays open.
type Signer struct {
	module  Module
	session pkcs11.SessionHandle
	handle  pkcs11.ObjectHandle
	public  crypto.PublicKey
	mu      *sync.Mutex
	log     *logging.Logger
}

func (s *Signer) Public() crypto.PublicKey {
	return s.public
}

// Sign signs digest with CKM_RSA_PKCS or CKM_ECDSA. ECDSA signatures are
// returned ASN.1 encoded, as crypto.Signer requires.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var (
		mechanism *pkcs11.Mechanism
		input     = digest
	)
	switch s.public.(type) {
	case *rsa.PublicKey:
		if _, pss := opts.(*rsa.PSSOptions); pss {
			return nil, fmt.Errorf("%w: RSA-PSS is not supported", errUnsupportedKey)
		}
		mechanism = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		if hash := opts.HashFunc(); hash != 0 {
			prefix, err := digestPrefix(hash)
			if err != nil {
				return nil, err
			}
			input = append(prefix, digest...)
		}
	case *ecdsa.PublicKey:
		mechanism = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedKey, s.public)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.module.SignInit(s.session, []*pkcs11.Mechanism{mechanism}, s.handle); err != nil {
		return nil, fmt.Errorf("sign init: %w", Translate(err))
	}
	sig, err := s.module.Sign(s.session, input)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", Translate(err))
	}
	s.log.Debugf("token signature created, %d bytes", len(sig))

	if _, ok := s.public.(*ecdsa.PublicKey); ok {
		return ecdsaASN1(sig)
	}
	return sig, nil
}

// ecdsaASN1 converts a raw r||s signature to an ASN.1 ECDSA-Sig-Value.
func ecdsaASN1(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length %d", len(sig))
	}
	n := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:n])
	s := new(big.Int).SetBytes(sig[n:])
	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}
