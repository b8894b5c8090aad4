package ocsp

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ansible/acme-test-container/internal/certs"
	"github.com/ansible/acme-test-container/internal/metrics"
)

// ErrNotFound is returned by a Fetcher when the upstream has no such object.
var ErrNotFound = errors.New("not found")

// CertificateStatus is Pebble's answer to /cert-status-by-serial.
type CertificateStatus struct {
	Status      string `json:"Status"`
	Serial      string `json:"Serial"`
	Certificate string `json:"Certificate"`
	RevokedAt   string `json:"RevokedAt"`
	Reason      *int   `json:"Reason"`
}

// Upstream is the CA that owns the ground truth for certificate status and
// intermediate key material.
type Upstream interface {
	Intermediate(ctx context.Context, root int) (*x509.Certificate, crypto.Signer, error)
	CertificateStatus(ctx context.Context, serialHex string) (*CertificateStatus, error)
}

// Fetcher reads an object from the upstream by path.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, path string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, path string) ([]byte, error) {
	return f(ctx, path)
}

// PebbleUpstream reads from Pebble's management API.
type PebbleUpstream struct {
	Fetcher Fetcher
}

// Intermediate returns the intermediate certificate and key of root.
func (p *PebbleUpstream) Intermediate(ctx context.Context, root int) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := p.Fetcher.Fetch(ctx, fmt.Sprintf("/intermediates/%d", root))
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate %d: %w", root, err)
	}
	cert, err := certs.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate %d: %w", root, err)
	}
	keyPEM, err := p.Fetcher.Fetch(ctx, fmt.Sprintf("/intermediate-keys/%d", root))
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate key %d: %w", root, err)
	}
	key, err := certs.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate key %d: %w", root, err)
	}
	return cert, key, nil
}

// CertificateStatus returns the status of the certificate with the given
// serial number.
func (p *PebbleUpstream) CertificateStatus(ctx context.Context, serialHex string) (*CertificateStatus, error) {
	body, err := p.Fetcher.Fetch(ctx, "/cert-status-by-serial/"+serialHex)
	if err != nil {
		return nil, err
	}
	var st CertificateStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("cert-status-by-serial: %w", err)
	}
	return &st, nil
}

// HTTPFetcher fetches paths relative to BaseURL.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Metrics *metrics.Metrics
}

// NewHTTPFetcher returns a fetcher for Pebble's management endpoint, which
// uses a certificate that is not signed by any trusted root.
func NewHTTPFetcher(baseURL string, timeout time.Duration, m *metrics.Metrics) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		},
		Metrics: m,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	defer func() {
		f.Metrics.ObserveFetch(fetchKind(path), time.Since(start).Seconds())
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchKind(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
