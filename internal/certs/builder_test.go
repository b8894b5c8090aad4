package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/acme"
	"software.sslmate.com/src/go-pkcs12"
)

func testDigest() []byte {
	d := make([]byte, 32)
	d[31] = 1
	return d
}

func TestBuildCertificate(t *testing.T) {
	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	extra := pkix.Extension{Id: asn1.ObjectIdentifier{1, 2, 3, 4}, Value: []byte{0x05, 0x00}}
	start := time.Now().Add(-time.Second)
	cert, err := BuildCertificate(key, []string{"example.com", "www.example.com"}, []string{"127.0.0.1", "::1"}, []pkix.Extension{extra})
	if err != nil {
		t.Fatalf("BuildCertificate: %v", err)
	}
	if got, want := cert.DNSNames, []string{"example.com", "www.example.com"}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("DNSNames = %v, want %v", got, want)
	}
	if len(cert.IPAddresses) != 2 || !cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) || !cert.IPAddresses[1].Equal(net.ParseIP("::1")) {
		t.Errorf("IPAddresses = %v", cert.IPAddresses)
	}
	if !cert.IsCA || !cert.BasicConstraintsValid || cert.MaxPathLen != 0 || !cert.MaxPathLenZero {
		t.Errorf("basic constraints = CA:%v valid:%v pathlen:%d zero:%v", cert.IsCA, cert.BasicConstraintsValid, cert.MaxPathLen, cert.MaxPathLenZero)
	}
	if cert.Issuer.String() != cert.Subject.String() {
		t.Errorf("issuer %q != subject %q", cert.Issuer, cert.Subject)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		t.Errorf("CheckSignatureFrom: %v", err)
	}
	if cert.SignatureAlgorithm != x509.ECDSAWithSHA256 {
		t.Errorf("SignatureAlgorithm = %v", cert.SignatureAlgorithm)
	}
	if got := cert.NotAfter.Sub(cert.NotBefore); got != CertificateLifetime {
		t.Errorf("validity = %v, want %v", got, CertificateLifetime)
	}
	if cert.NotBefore.Before(start.Truncate(time.Second)) {
		t.Errorf("NotBefore = %v, before %v", cert.NotBefore, start)
	}
	if cert.SerialNumber.BitLen() > 128 {
		t.Errorf("serial has %d bits", cert.SerialNumber.BitLen())
	}
	if !SameKey(cert, key) {
		t.Error("certificate does not carry the key")
	}

	// Caller extensions come before subjectAltName.
	extraIdx, sanIdx := -1, -1
	for i, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(extra.Id):
			extraIdx = i
		case ext.Id.Equal(oidSubjectAltName):
			sanIdx = i
		}
	}
	if extraIdx < 0 || sanIdx < 0 || extraIdx > sanIdx {
		t.Errorf("extension order: extra at %d, SAN at %d", extraIdx, sanIdx)
	}
}

func TestBuildCertificateUniqueSerial(t *testing.T) {
	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	a, err := BuildCertificate(key, []string{"example.com"}, nil, nil)
	if err != nil {
		t.Fatalf("BuildCertificate: %v", err)
	}
	b, err := BuildCertificate(key, []string{"example.com"}, nil, nil)
	if err != nil {
		t.Fatalf("BuildCertificate: %v", err)
	}
	if a.SerialNumber.Cmp(b.SerialNumber) == 0 {
		t.Errorf("serial numbers are equal: %v", a.SerialNumber)
	}
}

func TestBuildCertificateBadIP(t *testing.T) {
	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := BuildCertificate(key, nil, []string{"not-an-ip"}, nil); err == nil {
		t.Fatal("BuildCertificate succeeded with a bad IP")
	}
}

func TestChallengeExtensionRoundTrip(t *testing.T) {
	digest := testDigest()
	ext, err := BuildChallengeExtension(digest)
	if err != nil {
		t.Fatalf("BuildChallengeExtension: %v", err)
	}
	if !ext.Critical {
		t.Error("extension is not critical")
	}
	if want := append([]byte{0x04, 0x20}, digest...); !bytes.Equal(ext.Value, want) {
		t.Errorf("Value = %x, want %x", ext.Value, want)
	}

	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ordinary, challenge, err := BuildChallengePair(key, "example.com", digest)
	if err != nil {
		t.Fatalf("BuildChallengePair: %v", err)
	}
	got, err := ChallengeDigest(challenge)
	if err != nil {
		t.Fatalf("ChallengeDigest: %v", err)
	}
	if !bytes.Equal(got, digest) {
		t.Errorf("ChallengeDigest = %x, want %x", got, digest)
	}
	if _, err := ChallengeDigest(ordinary); !errors.Is(err, ErrNoChallengeValue) {
		t.Errorf("ChallengeDigest(ordinary) = %v, want ErrNoChallengeValue", err)
	}

	// Same digest through the PEM chain path.
	bundle, err := EncodePEM(challenge, key)
	if err != nil {
		t.Fatalf("EncodePEM: %v", err)
	}
	cert, k, err := ParsePEMChain(bundle)
	if err != nil {
		t.Fatalf("ParsePEMChain: %v", err)
	}
	if !SameKey(cert, k) {
		t.Error("parsed key does not match parsed certificate")
	}
	if got, err := ChallengeDigest(cert); err != nil || !bytes.Equal(got, digest) {
		t.Errorf("ChallengeDigest(PEM) = %x, %v, want %x", got, err, digest)
	}
}

func TestBuildChallengeExtensionBadDigest(t *testing.T) {
	if _, err := BuildChallengeExtension(make([]byte, 31)); !errors.Is(err, ErrBadDigest) {
		t.Errorf("BuildChallengeExtension(31 bytes) = %v, want ErrBadDigest", err)
	}
}

func TestKeyAuthorizationMatchesACMEClient(t *testing.T) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	client := &acme.Client{Key: accountKey}
	tlsCert, err := client.TLSALPN01ChallengeCert("token-123", "example.com")
	if err != nil {
		t.Fatalf("TLSALPN01ChallengeCert: %v", err)
	}
	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}
	keyAuth, err := KeyAuthorization("token-123", &jose.JSONWebKey{Key: accountKey.Public()})
	if err != nil {
		t.Fatalf("KeyAuthorization: %v", err)
	}
	got, err := ChallengeDigest(cert)
	if err != nil {
		t.Fatalf("ChallengeDigest: %v", err)
	}
	if want := KeyAuthorizationDigest(keyAuth); !bytes.Equal(got, want) {
		t.Errorf("digest = %x, want %x", got, want)
	}
}

func TestParsePEMChain(t *testing.T) {
	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cert, err := BuildCertificate(key, []string{"example.com"}, nil, nil)
	if err != nil {
		t.Fatalf("BuildCertificate: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	for _, tc := range []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"key first", append(append([]byte("junk\n"), keyPEM...), certPEM...), nil},
		{"cert first", append(append([]byte{}, certPEM...), keyPEM...), nil},
		{"no key", certPEM, ErrMissingPrivateKey},
		{"no cert", keyPEM, ErrMissingCertificate},
		{"empty", nil, ErrMissingCertificate},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParsePEMChain(tc.data)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ParsePEMChain() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParsePEMChainTrustedCertificate(t *testing.T) {
	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cert, err := BuildCertificate(key, []string{"example.com"}, nil, nil)
	if err != nil {
		t.Fatalf("BuildCertificate: %v", err)
	}
	// X509_CERT_AUX with serverAuth as the only trusted use.
	aux, err := asn1.Marshal(struct {
		Trust []asn1.ObjectIdentifier
	}{[]asn1.ObjectIdentifier{{1, 3, 6, 1, 5, 5, 7, 3, 1}}})
	if err != nil {
		t.Fatalf("asn1.Marshal: %v", err)
	}
	_, keyBytes, err := MarshalPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "TRUSTED CERTIFICATE", Bytes: append(append([]byte{}, cert.Raw...), aux...)})
	data := append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})...)

	got, gotKey, err := ParsePEMChain(data)
	if err != nil {
		t.Fatalf("ParsePEMChain: %v", err)
	}
	if !got.Equal(cert) {
		t.Error("parsed certificate differs")
	}
	if !SameKey(got, gotKey) {
		t.Error("parsed key does not match certificate")
	}
	if got, err := ParseCertificatePEM(certPEM); err != nil || !got.Equal(cert) {
		t.Errorf("ParseCertificatePEM = %v", err)
	}

	bad := pem.EncodeToMemory(&pem.Block{Type: "TRUSTED CERTIFICATE", Bytes: []byte{0x04, 0x01, 0x00}})
	if _, err := ParseCertificatePEM(bad); err == nil {
		t.Error("ParseCertificatePEM accepted a block without a certificate")
	}
}

func TestParsePKCS12(t *testing.T) {
	key, err := GenerateKey(ECDSAKey)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, challenge, err := BuildChallengePair(key, "example.com", testDigest())
	if err != nil {
		t.Fatalf("BuildChallengePair: %v", err)
	}
	pfx, err := pkcs12.Modern.Encode(key, challenge, nil, "password")
	if err != nil {
		t.Fatalf("pkcs12.Encode: %v", err)
	}
	cert, k, err := ParsePKCS12(pfx, "password")
	if err != nil {
		t.Fatalf("ParsePKCS12: %v", err)
	}
	if !SameKey(cert, k) {
		t.Error("key mismatch")
	}
	if got, err := ChallengeDigest(cert); err != nil || !bytes.Equal(got, testDigest()) {
		t.Errorf("ChallengeDigest = %x, %v", got, err)
	}
	if _, _, err := ParsePKCS12(pfx, "wrong"); err == nil {
		t.Error("ParsePKCS12 with wrong password succeeded")
	}
}

func TestParseKeyType(t *testing.T) {
	for in, want := range map[string]KeyType{"": RSAKey, "rsa": RSAKey, "ECDSA": ECDSAKey} {
		got, err := ParseKeyType(in)
		if err != nil || got != want {
			t.Errorf("ParseKeyType(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseKeyType("dsa"); err == nil {
		t.Error("ParseKeyType(dsa) succeeded")
	}
}
