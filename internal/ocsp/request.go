package ocsp

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

	hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
		crypto.SHA1:   {1, 3, 14, 3, 2, 26},
		crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
		crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
		crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
	}

	errMalformed = errors.New("malformed OCSP request")
)

// Query is a decoded OCSP request for a single certificate.
type Query struct {
	Serial         *big.Int
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	HashAlgorithm  crypto.Hash
	// Nonce is the content of the nonce extension, or nil.
	Nonce      []byte
	Extensions []pkix.Extension
	// CriticalUnderstood is false when a critical extension other than
	// the nonce was present.
	CriticalUnderstood bool
}

// ParseRequest decodes a DER OCSPRequest (RFC 6960, section 4.1.1). Exactly
// one Request is accepted. Request-level extensions are decoded, and the
// optional signature is skipped.
func ParseRequest(der []byte) (*Query, error) {
	input := cryptobyte.String(der)
	var ocspReq, tbs cryptobyte.String
	if !input.ReadASN1(&ocspReq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: OCSPRequest", errMalformed)
	}
	if !ocspReq.ReadASN1(&tbs, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: TBSRequest", errMalformed)
	}
	if !ocspReq.SkipOptionalASN1(cbasn1.Tag(0).ContextSpecific().Constructed()) || !ocspReq.Empty() {
		return nil, fmt.Errorf("%w: optionalSignature", errMalformed)
	}

	var version cryptobyte.String
	var hasVersion bool
	if !tbs.ReadOptionalASN1(&version, &hasVersion, cbasn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, fmt.Errorf("%w: version", errMalformed)
	}
	if hasVersion {
		var v int64
		if !version.ReadASN1Int64WithTag(&v, cbasn1.INTEGER) || v != 0 {
			return nil, fmt.Errorf("%w: unsupported version", errMalformed)
		}
	}
	if !tbs.SkipOptionalASN1(cbasn1.Tag(1).ContextSpecific().Constructed()) {
		return nil, fmt.Errorf("%w: requestorName", errMalformed)
	}

	var requestList cryptobyte.String
	if !tbs.ReadASN1(&requestList, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: requestList", errMalformed)
	}
	q := &Query{CriticalUnderstood: true}
	var request cryptobyte.String
	if !requestList.ReadASN1(&request, cbasn1.SEQUENCE) || !requestList.Empty() {
		return nil, fmt.Errorf("%w: expected exactly one request", errMalformed)
	}
	if err := parseCertID(&request, q); err != nil {
		return nil, err
	}
	if !request.SkipOptionalASN1(cbasn1.Tag(0).ContextSpecific().Constructed()) || !request.Empty() {
		return nil, fmt.Errorf("%w: singleRequestExtensions", errMalformed)
	}

	var exts cryptobyte.String
	var hasExts bool
	if !tbs.ReadOptionalASN1(&exts, &hasExts, cbasn1.Tag(2).ContextSpecific().Constructed()) || !tbs.Empty() {
		return nil, fmt.Errorf("%w: requestExtensions", errMalformed)
	}
	if hasExts {
		if err := parseExtensions(exts, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func parseCertID(request *cryptobyte.String, q *Query) error {
	var certID, algID cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !request.ReadASN1(&certID, cbasn1.SEQUENCE) ||
		!certID.ReadASN1(&algID, cbasn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&oid) {
		return fmt.Errorf("%w: CertID", errMalformed)
	}
	// Parameters, if present, are NULL.
	if !algID.Empty() && (!algID.SkipASN1(cbasn1.NULL) || !algID.Empty()) {
		return fmt.Errorf("%w: hash parameters", errMalformed)
	}
	for h, hOID := range hashOIDs {
		if oid.Equal(hOID) {
			q.HashAlgorithm = h
		}
	}
	if q.HashAlgorithm == 0 {
		return fmt.Errorf("%w: unsupported hash algorithm %v", errMalformed, oid)
	}
	q.Serial = new(big.Int)
	if !certID.ReadASN1Bytes(&q.IssuerNameHash, cbasn1.OCTET_STRING) ||
		!certID.ReadASN1Bytes(&q.IssuerKeyHash, cbasn1.OCTET_STRING) ||
		!certID.ReadASN1Integer(q.Serial) ||
		!certID.Empty() {
		return fmt.Errorf("%w: CertID", errMalformed)
	}
	if len(q.IssuerNameHash) != q.HashAlgorithm.Size() || len(q.IssuerKeyHash) != q.HashAlgorithm.Size() {
		return fmt.Errorf("%w: hash length", errMalformed)
	}
	return nil
}

func parseExtensions(exts cryptobyte.String, q *Query) error {
	var list cryptobyte.String
	if !exts.ReadASN1(&list, cbasn1.SEQUENCE) || !exts.Empty() {
		return fmt.Errorf("%w: Extensions", errMalformed)
	}
	for !list.Empty() {
		var ext cryptobyte.String
		var e pkix.Extension
		if !list.ReadASN1(&ext, cbasn1.SEQUENCE) ||
			!ext.ReadASN1ObjectIdentifier(&e.Id) ||
			!ext.ReadOptionalASN1Boolean(&e.Critical, cbasn1.BOOLEAN, false) ||
			!ext.ReadASN1Bytes(&e.Value, cbasn1.OCTET_STRING) ||
			!ext.Empty() {
			return fmt.Errorf("%w: Extension", errMalformed)
		}
		q.Extensions = append(q.Extensions, e)
		if e.Id.Equal(oidNonce) {
			if q.Nonce != nil {
				return fmt.Errorf("%w: duplicate nonce", errMalformed)
			}
			v := cryptobyte.String(e.Value)
			var nonce []byte
			if !v.ReadASN1Bytes(&nonce, cbasn1.OCTET_STRING) || !v.Empty() {
				return fmt.Errorf("%w: nonce", errMalformed)
			}
			q.Nonce = nonce
			if q.Nonce == nil {
				q.Nonce = []byte{}
			}
			continue
		}
		if e.Critical {
			q.CriticalUnderstood = false
		}
	}
	return nil
}
