package token

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/tokensign/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tokensign/internal/logging"
)

// KeyStore gives access to the certificates and keys of a logged-in token,
// each certificate/key pair named by an alias.
type KeyStore interface {
	Aliases() ([]string, error)
	Certificate(alias string) (*x509.Certificate, error)
	// CertificateChain returns the certificate of alias followed by its
	// issuers, as far as they are present on the token.
	CertificateChain(alias string) ([]*x509.Certificate, error)
	PrivateKey(alias string) (crypto.Signer, error)
}

type storeEntry struct {
	alias string
	label string
	id    []byte
	cert  *x509.Certificate
}

// tokenStore is the KeyStore of an authenticated PKCS#11 session. Aliases
// are the certificate labels, or the hex CKA_ID when a certificate has no
// label.
type tokenStore struct {
	module  Module
	session pkcs11.SessionHandle
	mu      *sync.Mutex
	log     *logging.Logger

	entries []*storeEntry
	byAlias map[string]*storeEntry
}

func loadStore(m Module, sh pkcs11.SessionHandle, mu *sync.Mutex, log *logging.Logger) (*tokenStore, error) {
	mu.Lock()
	defer mu.Unlock()

	handles, err := findObjects(m, sh, certificateTemplate())
	if err != nil {
		return nil, fmt.Errorf("list token certificates: %w", err)
	}

	s := &tokenStore{
		module:  m,
		session: sh,
		mu:      mu,
		log:     log,
		byAlias: make(map[string]*storeEntry, len(handles)),
	}
	for _, h := range handles {
		obj, err := readCertObject(m, sh, h)
		if err != nil || len(obj.der) == 0 {
			log.Debugf("skipping certificate object %d: %v", h, err)
			continue
		}
		e := &storeEntry{label: obj.label, id: obj.id}
		if cert, err := x509.ParseCertificate(obj.der); err == nil {
			e.cert = cert
		}
		e.alias = s.uniqueAlias(aliasFor(obj))
		s.entries = append(s.entries, e)
		s.byAlias[e.alias] = e
	}
	return s, nil
}

func aliasFor(obj certObject) string {
	if label := strings.TrimSpace(obj.label); label != "" {
		return label
	}
	if len(obj.id) > 0 {
		return hex.EncodeToString(obj.id)
	}
	sum := sha256.Sum256(obj.der)
	return hex.EncodeToString(sum[:8])
}

func (s *tokenStore) uniqueAlias(alias string) string {
	if _, taken := s.byAlias[alias]; !taken {
		return alias
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", alias, i)
		if _, taken := s.byAlias[candidate]; !taken {
			return candidate
		}
	}
}

func (s *tokenStore) Aliases() ([]string, error) {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.alias)
	}
	return out, nil
}

func (s *tokenStore) Certificate(alias string) (*x509.Certificate, error) {
	e, ok := s.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: alias %q", ErrCertificateNotFound, alias)
	}
	if e.cert == nil {
		return nil, fmt.Errorf("%w: alias %q", ErrNotX509Certificate, alias)
	}
	return e.cert, nil
}

func (s *tokenStore) CertificateChain(alias string) ([]*x509.Certificate, error) {
	leaf, err := s.Certificate(alias)
	if err != nil {
		return nil, err
	}
	pool := make([]*x509.Certificate, 0, len(s.entries))
	for _, e := range s.entries {
		if e.cert != nil {
			pool = append(pool, e.cert)
		}
	}
	return certs.BuildChain(leaf, pool), nil
}

func (s *tokenStore) PrivateKey(alias string) (crypto.Signer, error) {
	e, ok := s.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: alias %q", ErrPrivateKeyNotFound, alias)
	}
	if e.cert == nil {
		return nil, fmt.Errorf("%w: alias %q", ErrNotX509Certificate, alias)
	}

	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}
	switch {
	case len(e.id) > 0:
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, e.id))
	case e.label != "":
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, e.label))
	default:
		return nil, fmt.Errorf("%w: alias %q has neither id nor label", ErrPrivateKeyNotFound, alias)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handles, err := findObjects(s.module, s.session, template)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivateKeyInaccessible, err)
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: alias %q", ErrPrivateKeyNotFound, alias)
	}

	attrs, err := s.module.GetAttributeValue(s.session, handles[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivateKeyInaccessible, Translate(err))
	}
	if len(attrs) == 0 || !attrBool(attrs[0].Value) {
		return nil, fmt.Errorf("%w: alias %q does not allow signing", ErrPrivateKeyInaccessible, alias)
	}

	return &Signer{
		module:  s.module,
		session: s.session,
		handle:  handles[0],
		public:  e.cert.PublicKey,
		mu:      s.mu,
		log:     s.log,
	}, nil
}

func attrBool(v []byte) bool {
	return len(v) > 0 && v[0] != 0
}
