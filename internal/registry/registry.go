// Package registry keeps the key material used to answer TLS-ALPN-01
// validation probes.
package registry

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"sort"
	"strings"
	"sync"
)

// Record is the challenge material registered for one domain.
type Record struct {
	Domain    string
	Key       crypto.Signer
	Ordinary  *x509.Certificate
	Challenge *x509.Certificate
}

// ChallengeCertificate returns the challenge certificate and key in the form
// crypto/tls expects.
func (r Record) ChallengeCertificate() *tls.Certificate {
	return &tls.Certificate{
		Certificate: [][]byte{r.Challenge.Raw},
		PrivateKey:  r.Key,
		Leaf:        r.Challenge,
	}
}

// Registry maps normalized domain names to challenge records. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]Record),
	}
}

// Normalize strips one trailing dot. Names are otherwise used as given.
func Normalize(domain string) string {
	return strings.TrimSuffix(domain, ".")
}

// Put inserts or replaces the record for domain.
func (r *Registry) Put(domain string, key crypto.Signer, ordinary, challenge *x509.Certificate) {
	domain = Normalize(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[domain] = Record{
		Domain:    domain,
		Key:       key,
		Ordinary:  ordinary,
		Challenge: challenge,
	}
}

// Remove deletes the record for domain. It reports whether a record existed.
func (r *Registry) Remove(domain string) bool {
	domain = Normalize(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[domain]
	delete(r.records, domain)
	return ok
}

// Lookup returns a copy of the record for domain.
func (r *Registry) Lookup(domain string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[Normalize(domain)]
	return rec, ok
}

// Len returns the number of registered domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Domains returns the registered domains in sorted order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.records))
	for d := range r.records {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
