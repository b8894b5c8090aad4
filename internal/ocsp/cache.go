package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"

	xocsp "golang.org/x/crypto/ocsp"
)

// Intermediate is the material needed to answer for one issuing CA.
// SampleRequest carries the issuer name and key hashes that requests for
// certificates of this intermediate contain.
type Intermediate struct {
	SampleRequest *xocsp.Request
	Certificate   *x509.Certificate
	Key           crypto.Signer
}

// Matches reports whether q was made for a certificate issued by im.
func (im *Intermediate) Matches(q *Query) bool {
	return im.SampleRequest.HashAlgorithm == q.HashAlgorithm &&
		bytes.Equal(im.SampleRequest.IssuerKeyHash, q.IssuerKeyHash) &&
		bytes.Equal(im.SampleRequest.IssuerNameHash, q.IssuerNameHash)
}

type cacheKey struct {
	root int
	hash crypto.Hash
}

// intermediateCache keeps intermediates for the lifetime of the process.
// Fetches run without the lock; when two callers populate the same key the
// first stored entry wins.
type intermediateCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*Intermediate
}

func newIntermediateCache() *intermediateCache {
	return &intermediateCache{entries: make(map[cacheKey]*Intermediate)}
}

func (c *intermediateCache) get(ctx context.Context, up Upstream, root int, hash crypto.Hash) (*Intermediate, error) {
	key := cacheKey{root: root, hash: hash}
	c.mu.Lock()
	im, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return im, nil
	}

	cert, signer, err := up.Intermediate(ctx, root)
	if err != nil {
		return nil, err
	}
	sample, err := sampleRequest(cert, hash)
	if err != nil {
		return nil, fmt.Errorf("sample request for root %d: %w", root, err)
	}
	im = &Intermediate{SampleRequest: sample, Certificate: cert, Key: signer}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}
	c.entries[key] = im
	return im, nil
}

func sampleRequest(issuer *x509.Certificate, hash crypto.Hash) (*xocsp.Request, error) {
	der, err := xocsp.CreateRequest(&x509.Certificate{SerialNumber: big.NewInt(1)}, issuer, &xocsp.RequestOptions{Hash: hash})
	if err != nil {
		return nil, err
	}
	return xocsp.ParseRequest(der)
}
