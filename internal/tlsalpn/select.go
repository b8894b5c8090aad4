// Package tlsalpn implements the server side of the ACME TLS-ALPN-01
// challenge: a TLS listener that picks a challenge certificate by SNI and
// only completes handshakes that negotiate the acme-tls/1 protocol.
package tlsalpn

import (
	"crypto/tls"
	"errors"
	"fmt"

	"golang.org/x/crypto/acme"

	"github.com/ansible/acme-test-container/internal/registry"
)

var (
	ErrNoServerName      = errors.New("client did not send a server name")
	ErrUnknownServerName = errors.New("no challenge certificate for server name")
	ErrALPNMismatch      = errors.New("client did not offer exactly acme-tls/1")
)

// Decision is the outcome of one handshake gate. Either Certificate (for
// the SNI gate) or Protocol (for the ALPN gate) is set, or Err explains the
// rejection.
type Decision struct {
	Certificate *tls.Certificate
	Protocol    string
	Err         error
}

// Rejected reports whether the handshake must be aborted.
func (d Decision) Rejected() bool {
	return d.Err != nil
}

// SelectFunc returns the challenge certificate for a normalized server name.
type SelectFunc func(serverName string) (*tls.Certificate, bool)

// SelectCertificate decides which certificate to present for serverName.
func SelectCertificate(serverName string, lookup SelectFunc) Decision {
	if serverName == "" {
		return Decision{Err: ErrNoServerName}
	}
	cert, ok := lookup(registry.Normalize(serverName))
	if !ok || cert == nil {
		return Decision{Err: fmt.Errorf("%w %q", ErrUnknownServerName, serverName)}
	}
	return Decision{Certificate: cert}
}

// NegotiateProtocol accepts the client's ALPN list only when it is exactly
// ["acme-tls/1"].
func NegotiateProtocol(offered []string) Decision {
	if len(offered) != 1 || offered[0] != acme.ALPNProto {
		return Decision{Err: fmt.Errorf("%w: got %q", ErrALPNMismatch, offered)}
	}
	return Decision{Protocol: acme.ALPNProto}
}

// RegistrySelector serves the challenge certificate of registered domains.
// Ordinary certificates are never returned.
func RegistrySelector(reg *registry.Registry) SelectFunc {
	return func(serverName string) (*tls.Certificate, bool) {
		rec, ok := reg.Lookup(serverName)
		if !ok || rec.Challenge == nil {
			return nil, false
		}
		return rec.ChallengeCertificate(), true
	}
}

// MapSelector serves certificates from a fixed map keyed by domain.
func MapSelector(certs map[string]*tls.Certificate) SelectFunc {
	m := make(map[string]*tls.Certificate, len(certs))
	for k, v := range certs {
		m[registry.Normalize(k)] = v
	}
	return func(serverName string) (*tls.Certificate, bool) {
		c, ok := m[serverName]
		return c, ok
	}
}
