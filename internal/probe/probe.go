// Package probe performs a TLS-ALPN-01 validation the way an ACME CA does:
// it connects with the acme-tls/1 protocol and inspects the certificate
// that the server presents.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/ansible/acme-test-container/internal/certs"
)

var (
	ErrNoCertificate  = errors.New("no certificate presented")
	ErrNotSelfSigned  = errors.New("certificate not self-signed")
	ErrNameMismatch   = errors.New("certificate does not name the domain")
	ErrDigestMismatch = errors.New("key authorization mismatch")
	ErrWrongProtocol  = errors.New("acme-tls/1 was not negotiated")
)

const defaultDialTimeout = 10 * time.Second

// Result describes a successful validation.
type Result struct {
	Certificate *x509.Certificate
	Protocol    string
}

// ValidateKeyAuthorization is Validate with the digest computed from keyAuth.
func ValidateKeyAuthorization(ctx context.Context, addr, domain, keyAuth string) (*Result, error) {
	return Validate(ctx, addr, domain, certs.KeyAuthorizationDigest(keyAuth))
}

// Validate connects to addr using domain as SNI and checks that the presented
// certificate is a valid TLS-ALPN-01 response carrying digest.
func Validate(ctx context.Context, addr, domain string, digest []byte) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	dialer := &tls.Dialer{
		Config: &tls.Config{
			NextProtos:         []string{acme.ALPNProto},
			ServerName:         domain,
			InsecureSkipVerify: true, // We expect a self-signed certificate.
		},
	}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	conn := c.(*tls.Conn)
	defer conn.Close()

	state := conn.ConnectionState()
	if state.NegotiatedProtocol != acme.ALPNProto {
		return nil, fmt.Errorf("%w: got %q", ErrWrongProtocol, state.NegotiatedProtocol)
	}
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}
	cert := state.PeerCertificates[0]
	if err := Check(cert, domain, digest); err != nil {
		return nil, err
	}
	return &Result{Certificate: cert, Protocol: state.NegotiatedProtocol}, nil
}

// Check verifies a TLS-ALPN-01 certificate without any network access.
func Check(cert *x509.Certificate, domain string, digest []byte) error {
	if cert.Issuer.String() != cert.Subject.String() {
		return ErrNotSelfSigned
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSelfSigned, err)
	}
	if !slices.Contains(cert.DNSNames, strings.TrimSuffix(domain, ".")) {
		return fmt.Errorf("%w: %q not in %v", ErrNameMismatch, domain, cert.DNSNames)
	}
	presented, err := certs.ChallengeDigest(cert)
	if err != nil {
		return fmt.Errorf("failed to parse acmeIdentifier extension: %w", err)
	}
	if !bytes.Equal(presented, digest) {
		return fmt.Errorf("%w: expected %x, got %x", ErrDigestMismatch, digest, presented)
	}
	return nil
}
