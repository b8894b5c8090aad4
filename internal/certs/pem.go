package certs

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	ErrMissingCertificate = errors.New("no CERTIFICATE block found")
	ErrMissingPrivateKey  = errors.New("no PRIVATE KEY block found")
)

// ParsePEMChain extracts the first certificate and the first private key from
// a PEM bundle. Any block type ending in CERTIFICATE or PRIVATE KEY is
// accepted, so "TRUSTED CERTIFICATE" or "EC PRIVATE KEY" work as well. The
// trust settings OpenSSL appends to a TRUSTED CERTIFICATE are ignored.
func ParsePEMChain(data []byte) (*x509.Certificate, crypto.Signer, error) {
	var certBlock, keyBlock *pem.Block
	for rest := data; certBlock == nil || keyBlock == nil; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case certBlock == nil && strings.HasSuffix(block.Type, "CERTIFICATE"):
			certBlock = block
		case keyBlock == nil && strings.HasSuffix(block.Type, "PRIVATE KEY"):
			keyBlock = block
		}
	}
	if certBlock == nil {
		return nil, nil, ErrMissingCertificate
	}
	if keyBlock == nil {
		return nil, nil, ErrMissingPrivateKey
	}
	cert, err := parseCertificateBlock(certBlock)
	if err != nil {
		return nil, nil, err
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// ParsePKCS12 extracts the leaf certificate and its key from a PKCS#12 archive.
func ParsePKCS12(data []byte, password string) (*x509.Certificate, crypto.Signer, error) {
	k, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("pkcs12.DecodeChain: %w", err)
	}
	key, ok := k.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported key type: %T", k)
	}
	return cert, key, nil
}

// EncodePEM renders cert followed by key.
func EncodePEM(cert *x509.Certificate, key crypto.Signer) ([]byte, error) {
	keyType, keyBytes, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: keyType, Bytes: keyBytes})...)
	return out, nil
}

// parseCertificateBlock parses the leading certificate of block. A TRUSTED
// CERTIFICATE block carries an X509_CERT_AUX structure after it.
func parseCertificateBlock(block *pem.Block) (*x509.Certificate, error) {
	der := block.Bytes
	if block.Type == "TRUSTED CERTIFICATE" {
		input := cryptobyte.String(block.Bytes)
		var cert cryptobyte.String
		if !input.ReadASN1Element(&cert, cbasn1.SEQUENCE) {
			return nil, errors.New("malformed TRUSTED CERTIFICATE block")
		}
		der = cert
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return cert, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
		return nil, fmt.Errorf("unsupported key type: %T", k)
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.New("unable to parse private key")
}

// ParseCertificatePEM parses the first CERTIFICATE block of data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for rest := data; ; {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			return nil, ErrMissingCertificate
		}
		if strings.HasSuffix(block.Type, "CERTIFICATE") {
			return parseCertificateBlock(block)
		}
	}
}

// ParsePrivateKeyPEM parses the first PRIVATE KEY block of data.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	for rest := data; ; {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			return nil, ErrMissingPrivateKey
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return parsePrivateKey(block.Bytes)
		}
	}
}
