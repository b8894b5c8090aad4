package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	xocsp "golang.org/x/crypto/ocsp"
)

var (
	oidBasicResponse   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// certStatus is the content of one SingleResponse.
type certStatus struct {
	Status    int // xocsp.Good or xocsp.Revoked
	RevokedAt time.Time
	Reason    int
}

// responseTemplate holds everything that goes into a signed response.
type responseTemplate struct {
	HashAlgorithm  crypto.Hash
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	Serial         *big.Int
	Status         certStatus
	ThisUpdate     time.Time
	Nonce          []byte
}

// responderKeyHash is the SHA-1 of the subjectPublicKey BIT STRING of
// cert, as used by the byKey ResponderID.
func responderKeyHash(cert *x509.Certificate) ([]byte, error) {
	spki := cryptobyte.String(cert.RawSubjectPublicKeyInfo)
	var inner cryptobyte.String
	var bits []byte
	if !spki.ReadASN1(&inner, cbasn1.SEQUENCE) ||
		!inner.SkipASN1(cbasn1.SEQUENCE) ||
		!inner.ReadASN1BitStringAsBytes(&bits) {
		return nil, fmt.Errorf("invalid subjectPublicKeyInfo")
	}
	h := sha1.Sum(bits)
	return h[:], nil
}

// createResponse builds and signs a successful BasicOCSPResponse.
func createResponse(issuer *x509.Certificate, key crypto.Signer, tmpl responseTemplate) ([]byte, error) {
	hashOID, ok := hashOIDs[tmpl.HashAlgorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %v", tmpl.HashAlgorithm)
	}
	keyHash, err := responderKeyHash(issuer)
	if err != nil {
		return nil, err
	}
	sigOID, err := signatureOID(key)
	if err != nil {
		return nil, err
	}
	thisUpdate := tmpl.ThisUpdate.UTC().Truncate(time.Second)

	var tbs cryptobyte.Builder
	tbs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		// responderID byKey
		b.AddASN1(cbasn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(keyHash)
		})
		b.AddASN1GeneralizedTime(thisUpdate)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				addCertID(b, hashOID, tmpl)
				addCertStatus(b, tmpl.Status)
				b.AddASN1GeneralizedTime(thisUpdate)
			})
		})
		if tmpl.Nonce != nil {
			b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(oidNonce)
						b.AddASN1(cbasn1.OCTET_STRING, func(b *cryptobyte.Builder) {
							b.AddASN1OctetString(tmpl.Nonce)
						})
					})
				})
			})
		}
	})
	tbsBytes, err := tbs.Bytes()
	if err != nil {
		return nil, fmt.Errorf("ResponseData: %w", err)
	}

	digest := crypto.SHA256.New()
	digest.Write(tbsBytes)
	signature, err := key.Sign(rand.Reader, digest.Sum(nil), crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	var basic cryptobyte.Builder
	basic.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbsBytes)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(sigOID)
			if sigOID.Equal(oidSHA256WithRSA) {
				b.AddASN1NULL()
			}
		})
		b.AddASN1BitString(signature)
	})
	basicBytes, err := basic.Bytes()
	if err != nil {
		return nil, fmt.Errorf("BasicOCSPResponse: %w", err)
	}

	var resp cryptobyte.Builder
	resp.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Enum(int64(xocsp.Success))
		b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidBasicResponse)
				b.AddASN1OctetString(basicBytes)
			})
		})
	})
	return resp.Bytes()
}

func addCertID(b *cryptobyte.Builder, hashOID asn1.ObjectIdentifier, tmpl responseTemplate) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(hashOID)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(tmpl.IssuerNameHash)
		b.AddASN1OctetString(tmpl.IssuerKeyHash)
		b.AddASN1BigInt(tmpl.Serial)
	})
}

func addCertStatus(b *cryptobyte.Builder, s certStatus) {
	switch s.Status {
	case xocsp.Revoked:
		b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1GeneralizedTime(s.RevokedAt.UTC().Truncate(time.Second))
			b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1Enum(int64(s.Reason))
			})
		})
	default:
		b.AddASN1(cbasn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {})
	}
}

func signatureOID(key crypto.Signer) (asn1.ObjectIdentifier, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return oidSHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return oidECDSAWithSHA256, nil
	default:
		return nil, fmt.Errorf("unsupported signing key type: %T", key.Public())
	}
}
