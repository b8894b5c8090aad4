package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// KeyType selects the algorithm of generated challenge keys.
type KeyType int

const (
	RSAKey KeyType = iota
	ECDSAKey
)

// ParseKeyType maps a configuration string to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(s) {
	case "", "rsa":
		return RSAKey, nil
	case "ecdsa", "ec":
		return ECDSAKey, nil
	default:
		return 0, fmt.Errorf("unknown key type %q", s)
	}
}

func (kt KeyType) String() string {
	switch kt {
	case RSAKey:
		return "rsa"
	case ECDSAKey:
		return "ecdsa"
	default:
		return fmt.Sprintf("KeyType(%d)", int(kt))
	}
}

// GenerateKey creates a new private key of the given type.
func GenerateKey(kt KeyType) (crypto.Signer, error) {
	switch kt {
	case RSAKey:
		return rsa.GenerateKey(rand.Reader, 2048)
	case ECDSAKey:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unknown key type: %d", kt)
	}
}

// KeyAuthorization creates the key authorization string for a given token and account key.
func KeyAuthorization(token string, key *jose.JSONWebKey) (string, error) {
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", token, base64.RawURLEncoding.EncodeToString(thumbprint)), nil
}

// KeyAuthorizationDigest returns the SHA-256 digest that goes into the
// acmeIdentifier extension of a TLS-ALPN-01 certificate.
func KeyAuthorizationDigest(keyAuth string) []byte {
	h := sha256.Sum256([]byte(keyAuth))
	return h[:]
}

// MarshalPrivateKey encodes a key in the PEM block type it is usually stored as.
func MarshalPrivateKey(key crypto.PrivateKey) (string, []byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(k), nil
	case *ecdsa.PrivateKey:
		b, err := x509.MarshalECPrivateKey(k)
		return "EC PRIVATE KEY", b, err
	default:
		return "", nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

func calculateSubjectKeyId(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	hash := sha1.Sum(spki)
	return hash[:], nil
}

func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, err
	}
	return serialNumber, nil
}
