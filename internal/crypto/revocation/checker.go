// Package revocation checks certificate status against OCSP responders.
//
// Checks fail open: a responder that cannot be reached or returns an
// unusable answer yields "not revoked". Failures are logged and counted in
// the tokensign_revocation_checks_total metric.
package revocation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/vocdoni/gofirma/tokensign/internal/logging"
	"github.com/vocdoni/gofirma/tokensign/internal/metrics"
)

const (
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 1 << 20
)

type Options struct {
	// Timeout bounds a whole request. Zero means DefaultTimeout.
	Timeout time.Duration
	// Proxy, when set, is used for every request instead of the environment.
	Proxy *url.URL
}

type Checker struct {
	client *http.Client
	log    *logging.Logger
}

func NewChecker(opts Options, log *logging.Logger) *Checker {
	if log == nil {
		log = logging.Discard()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != nil {
		transport.Proxy = http.ProxyURL(opts.Proxy)
	}
	return &Checker{
		client: &http.Client{Timeout: timeout, Transport: transport},
		log:    log,
	}
}

// CheckRevoked asks the responder at uri whether cert, issued by issuer, is
// revoked. Any failure is reported as not revoked.
func (c *Checker) CheckRevoked(ctx context.Context, cert, issuer *x509.Certificate, uri string) bool {
	revoked, err := c.query(ctx, cert, issuer, uri)
	if err != nil {
		c.log.Warn("OCSP check failed, treating certificate as not revoked",
			"serial", fmt.Sprintf("%x", serialOf(cert)), "responder", uri, "error", err)
		metrics.RecordRevocationCheck(metrics.ResultError)
		return false
	}
	if revoked {
		c.log.Info("certificate revoked", "serial", fmt.Sprintf("%x", serialOf(cert)), "responder", uri)
		metrics.RecordRevocationCheck(metrics.ResultRevoked)
		return true
	}
	c.log.Debug("certificate not revoked", "serial", fmt.Sprintf("%x", serialOf(cert)), "responder", uri)
	metrics.RecordRevocationCheck(metrics.ResultGood)
	return false
}

// Check resolves the responder from cert itself. Certificates without an
// OCSP responder are reported as not revoked.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate) bool {
	uri, ok := ResponderURI(cert)
	if !ok {
		c.log.Debugf("certificate serial %x has no OCSP responder", serialOf(cert))
		return false
	}
	return c.CheckRevoked(ctx, cert, issuer, uri)
}

func (c *Checker) query(ctx context.Context, cert, issuer *x509.Certificate, uri string) (bool, error) {
	if cert == nil || issuer == nil {
		return false, fmt.Errorf("certificate and issuer are required")
	}
	reqDER, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(reqDER))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("post request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	return anyRevoked(body)
}

func serialOf(cert *x509.Certificate) []byte {
	if cert == nil || cert.SerialNumber == nil {
		return nil
	}
	return cert.SerialNumber.Bytes()
}
