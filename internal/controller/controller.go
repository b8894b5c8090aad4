// Package controller is the HTTP control plane of the test environment. Test
// suites use it to publish HTTP-01, DNS-01 and TLS-ALPN-01 challenge
// material and to fetch the roots they need to trust.
package controller

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/ansible/acme-test-container/internal/certs"
	"github.com/ansible/acme-test-container/internal/dnsserver"
	"github.com/ansible/acme-test-container/internal/metrics"
	"github.com/ansible/acme-test-container/internal/registry"
)

const maxBodySize = 1 << 20

// ChallengeServer is started on demand when TLS-ALPN material changes.
type ChallengeServer interface {
	Update() error
}

// Options configures a Controller.
type Options struct {
	Registry *registry.Registry
	TLSALPN  ChallengeServer
	DNS      *dnsserver.Server
	// KeyType is used for keys generated from a bare digest.
	KeyType certs.KeyType
	// MinicaPath is the root of the ACME endpoint's TLS certificate.
	MinicaPath string
	// PebbleRootURL serves the root of the certificates the CA issues.
	PebbleRootURL string
	// HTTPClient fetches PebbleRootURL.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Controller holds the HTTP-01 challenge files and routes everything else
// to the DNS and TLS-ALPN components.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu         sync.RWMutex
	challenges map[string]map[string][]byte // host -> filename -> content
}

// New returns a Controller.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Controller{
		opts:       opts,
		logger:     opts.Logger,
		challenges: make(map[string]map[string][]byte),
	}
}

// Handler returns the router.
func (c *Controller) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logRequests(c.logger, c.opts.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ACME test environment controller")
	})

	r.Put("/http/{host}/{filename}", c.putHTTPChallenge)
	r.Delete("/http/{host}/{filename}", c.deleteHTTPChallenge)
	r.Get("/.well-known/acme-challenge/{filename}", c.getHTTPChallenge)

	r.Put("/dns/{record}", c.putDNSChallenge)
	r.Delete("/dns/{record}", c.deleteDNSChallenge)
	r.Get("/dns-query", c.opts.DNS.ServeDoH)
	r.Post("/dns-query", c.opts.DNS.ServeDoH)

	r.Route("/tls-alpn/{domain}", func(r chi.Router) {
		r.Put("/der-value-b64", c.putALPNDigest)
		r.Put("/certificate-and-key", c.putALPNPEM)
		r.Put("/pkcs12", c.putALPNPKCS12)
		r.Put("/key-authorization", c.putALPNKeyAuthorization)
		r.Delete("/", c.deleteALPNChallenge)
	})

	r.Get("/root-certificate-for-acme-endpoint", c.getMinicaRoot)
	r.Get("/root-certificate-for-ca", c.getPebbleRoot)

	if c.opts.Metrics != nil {
		r.Handle("/metrics", c.opts.Metrics.Handler())
	}
	return r
}

func writeOK(w http.ResponseWriter) {
	io.WriteString(w, "ok")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (c *Controller) putHTTPChallenge(w http.ResponseWriter, r *http.Request) {
	host, filename := chi.URLParam(r, "host"), chi.URLParam(r, "filename")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	requestLogger(r, c.logger).Info("defining HTTP challenge file",
		zap.String("host", host),
		zap.String("path", "/.well-known/acme-challenge/"+filename),
		zap.ByteString("content", body))
	c.mu.Lock()
	defer c.mu.Unlock()
	files, exists := c.challenges[host]
	if !exists {
		files = make(map[string][]byte)
		c.challenges[host] = files
	}
	files[filename] = body
	writeOK(w)
}

func (c *Controller) deleteHTTPChallenge(w http.ResponseWriter, r *http.Request) {
	host, filename := chi.URLParam(r, "host"), chi.URLParam(r, "filename")
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.challenges[host][filename]; !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	requestLogger(r, c.logger).Info("removing HTTP challenge file",
		zap.String("host", host),
		zap.String("path", "/.well-known/acme-challenge/"+filename))
	delete(c.challenges[host], filename)
	writeOK(w)
}

func (c *Controller) getHTTPChallenge(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	logger := requestLogger(r, c.logger).With(zap.String("host", host), zap.String("filename", filename))

	c.mu.RLock()
	files, known := c.challenges[host]
	content, found := files[filename]
	c.mu.RUnlock()
	if !known {
		logger.Warn("HTTP challenge requested for unknown host")
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}
	if !found {
		logger.Warn("unknown HTTP challenge requested")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	logger.Info("serving HTTP challenge")
	w.Write(content)
}

func (c *Controller) putDNSChallenge(w http.ResponseWriter, r *http.Request) {
	record := chi.URLParam(r, "record")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var values []string
	if err := json.Unmarshal(body, &values); err != nil {
		http.Error(w, "body must be a JSON list of strings", http.StatusBadRequest)
		return
	}
	requestLogger(r, c.logger).Info("adding TXT records", zap.String("record", record), zap.Strings("values", values))
	c.opts.DNS.SetTXT(record, values)
	writeOK(w)
}

func (c *Controller) deleteDNSChallenge(w http.ResponseWriter, r *http.Request) {
	record := chi.URLParam(r, "record")
	requestLogger(r, c.logger).Info("removing TXT records", zap.String("record", record))
	c.opts.DNS.ClearTXT(record)
	writeOK(w)
}

func (c *Controller) putALPNDigest(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	digest, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		http.Error(w, "body must be base64", http.StatusBadRequest)
		return
	}
	requestLogger(r, c.logger).Info("adding TLS-ALPN challenge from digest", zap.String("domain", domain))
	c.addDigest(w, r, domain, digest)
}

func (c *Controller) putALPNKeyAuthorization(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Token string          `json:"token"`
		JWK   jose.JSONWebKey `json:"jwk"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	keyAuth, err := certs.KeyAuthorization(req.Token, &req.JWK)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid jwk: %v", err), http.StatusBadRequest)
		return
	}
	requestLogger(r, c.logger).Info("adding TLS-ALPN challenge from key authorization",
		zap.String("domain", domain),
		zap.String("keyAuthorization", keyAuth))
	c.addDigest(w, r, domain, certs.KeyAuthorizationDigest(keyAuth))
}

func (c *Controller) addDigest(w http.ResponseWriter, r *http.Request, domain string, digest []byte) {
	key, err := certs.GenerateKey(c.opts.KeyType)
	if err != nil {
		c.internalError(w, r, "cannot generate key", err)
		return
	}
	ordinary, challenge, err := certs.BuildChallengePair(key, domain, digest)
	if errors.Is(err, certs.ErrBadDigest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		c.internalError(w, r, "cannot build certificates", err)
		return
	}
	c.addChallenge(w, r, domain, key, ordinary, challenge)
}

func (c *Controller) putALPNPEM(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	challenge, key, err := certs.ParsePEMChain(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	requestLogger(r, c.logger).Info("adding TLS-ALPN challenge from PEM certificate and key", zap.String("domain", domain))
	c.addProvided(w, r, domain, key, challenge)
}

func (c *Controller) putALPNPKCS12(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	challenge, key, err := certs.ParsePKCS12(body, r.URL.Query().Get("password"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	requestLogger(r, c.logger).Info("adding TLS-ALPN challenge from PKCS#12", zap.String("domain", domain))
	c.addProvided(w, r, domain, key, challenge)
}

// addProvided registers a challenge certificate supplied by the client. The
// ordinary certificate is generated for the same key.
func (c *Controller) addProvided(w http.ResponseWriter, r *http.Request, domain string, key crypto.Signer, challenge *x509.Certificate) {
	if !certs.SameKey(challenge, key) {
		http.Error(w, "certificate does not match private key", http.StatusBadRequest)
		return
	}
	ordinary, err := certs.BuildCertificate(key, []string{domain}, nil, nil)
	if err != nil {
		c.internalError(w, r, "cannot build certificate", err)
		return
	}
	c.addChallenge(w, r, domain, key, ordinary, challenge)
}

func (c *Controller) addChallenge(w http.ResponseWriter, r *http.Request, domain string, key crypto.Signer, ordinary, challenge *x509.Certificate) {
	c.opts.Registry.Put(domain, key, ordinary, challenge)
	if err := c.opts.TLSALPN.Update(); err != nil {
		c.internalError(w, r, "cannot start TLS-ALPN challenge server", err)
		return
	}
	writeOK(w)
}

func (c *Controller) deleteALPNChallenge(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	removed := c.opts.Registry.Remove(domain)
	requestLogger(r, c.logger).Info("removing TLS-ALPN challenge", zap.String("domain", domain), zap.Bool("existed", removed))
	if err := c.opts.TLSALPN.Update(); err != nil {
		c.internalError(w, r, "cannot update TLS-ALPN challenge server", err)
		return
	}
	writeOK(w)
}

func (c *Controller) getMinicaRoot(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(c.opts.MinicaPath)
	if err != nil {
		c.internalError(w, r, "cannot read minica root", err)
		return
	}
	w.Write(data)
}

func (c *Controller) getPebbleRoot(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, c.opts.PebbleRootURL, nil)
	if err != nil {
		c.internalError(w, r, "invalid root URL", err)
		return
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.internalError(w, r, "cannot fetch CA root", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.internalError(w, r, "cannot fetch CA root", fmt.Errorf("GET %s: %s", c.opts.PebbleRootURL, resp.Status))
		return
	}
	io.Copy(w, resp.Body)
}

func (c *Controller) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	requestLogger(r, c.logger).Error(msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}
