// Package certs builds the self-signed certificates served during
// TLS-ALPN-01 validation and extracts challenge material supplied by clients.
package certs

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// CertificateLifetime is the validity window of every generated certificate.
const CertificateLifetime = 24 * time.Hour

var (
	// OIDChallengeExtension is the acmeIdentifier extension as registered
	// by early drafts of RFC 8737, which Pebble and most clients still send.
	OIDChallengeExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 30, 1}
	// OIDACMEIdentifier is the final RFC 8737 id-pe-acmeIdentifier.
	OIDACMEIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

	ErrBadDigest        = errors.New("key authorization digest must be 32 bytes")
	ErrNoChallengeValue = errors.New("certificate has no acmeIdentifier extension")
)

// BuildCertificate creates a self-signed certificate for key. Every domain is
// listed as a dNSName and every IP as an iPAddress in the subjectAltName
// extension, which is placed after extra.
func BuildCertificate(key crypto.Signer, domains, ips []string, extra []pkix.Extension) (*x509.Certificate, error) {
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	subjectKeyId, err := calculateSubjectKeyId(key.Public())
	if err != nil {
		return nil, err
	}
	sigAlg, err := signatureAlgorithm(key)
	if err != nil {
		return nil, err
	}

	exts := make([]pkix.Extension, 0, len(extra)+1)
	exts = append(exts, extra...)
	if len(domains)+len(ips) > 0 {
		san, err := subjectAltName(domains, ips)
		if err != nil {
			return nil, err
		}
		exts = append(exts, san)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             now,
		NotAfter:              now.Add(CertificateLifetime),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          subjectKeyId,
		SignatureAlgorithm:    sigAlg,
		ExtraExtensions:       exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// BuildChallengeExtension returns the critical acmeIdentifier extension
// carrying digest, the SHA-256 of a key authorization.
func BuildChallengeExtension(digest []byte) (pkix.Extension, error) {
	if len(digest) != 32 {
		return pkix.Extension{}, ErrBadDigest
	}
	var b cryptobyte.Builder
	b.AddASN1OctetString(digest)
	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{
		Id:       OIDChallengeExtension,
		Critical: true,
		Value:    value,
	}, nil
}

// ChallengeDigest extracts the digest from a certificate's acmeIdentifier
// extension. Both the draft and the final OID are recognized.
func ChallengeDigest(cert *x509.Certificate) ([]byte, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OIDChallengeExtension) && !ext.Id.Equal(OIDACMEIdentifier) {
			continue
		}
		var digest []byte
		rest, err := asn1.Unmarshal(ext.Value, &digest)
		if err != nil {
			return nil, fmt.Errorf("acmeIdentifier: %w", err)
		}
		if len(rest) > 0 {
			return nil, errors.New("acmeIdentifier: trailing data")
		}
		if len(digest) != 32 {
			return nil, ErrBadDigest
		}
		return digest, nil
	}
	return nil, ErrNoChallengeValue
}

// BuildChallengePair creates the ordinary and the challenge certificate for
// domain, both signed by key.
func BuildChallengePair(key crypto.Signer, domain string, digest []byte) (ordinary, challenge *x509.Certificate, err error) {
	ext, err := BuildChallengeExtension(digest)
	if err != nil {
		return nil, nil, err
	}
	if challenge, err = BuildCertificate(key, []string{domain}, nil, []pkix.Extension{ext}); err != nil {
		return nil, nil, err
	}
	if ordinary, err = BuildCertificate(key, []string{domain}, nil, nil); err != nil {
		return nil, nil, err
	}
	return ordinary, challenge, nil
}

// SameKey reports whether cert was issued for key.
func SameKey(cert *x509.Certificate, key crypto.Signer) bool {
	a, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false
	}
	b, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func subjectAltName(domains, ips []string) (pkix.Extension, error) {
	var b cryptobyte.Builder
	var ipErr error
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, d := range domains {
			b.AddASN1(cbasn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(d))
			})
		}
		for _, s := range ips {
			ip := net.ParseIP(s)
			if ip == nil {
				ipErr = fmt.Errorf("invalid IP address %q", s)
				return
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			b.AddASN1(cbasn1.Tag(7).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(ip)
			})
		}
	})
	if ipErr != nil {
		return pkix.Extension{}, ipErr
	}
	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, err
	}
	// The subject is empty, so RFC 5280 requires the SAN to be critical.
	return pkix.Extension{Id: oidSubjectAltName, Critical: true, Value: value}, nil
}

func signatureAlgorithm(key crypto.Signer) (x509.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported key type: %T", key.Public())
	}
}
