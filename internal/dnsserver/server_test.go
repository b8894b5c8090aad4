package dnsserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ansible/acme-test-container/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *metrics.Metrics) {
	m := metrics.New()
	return New(net.ParseIP("127.0.0.1"), DefaultTTL, zaptest.NewLogger(t), m), m
}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func txtAnswers(t *testing.T, resp *dns.Msg) []string {
	t.Helper()
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			if txt.Hdr.Ttl != DefaultTTL {
				t.Errorf("TTL = %d, want %d", txt.Hdr.Ttl, DefaultTTL)
			}
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out
}

func TestResolveA(t *testing.T) {
	s, m := newTestServer(t)
	resp := s.Resolve(query("anything.example.org", dns.TypeA))
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 1 {
		t.Fatalf("Resolve = %v", resp)
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T", resp.Answer[0])
	}
	if !a.A.Equal(net.ParseIP("127.0.0.1")) || a.Hdr.Ttl != 10 || a.Hdr.Name != "anything.example.org." {
		t.Errorf("answer = %v", a)
	}
	if got := testutil.ToFloat64(m.DNSQueries.WithLabelValues("A")); got != 1 {
		t.Errorf("A queries = %v, want 1", got)
	}
}

func TestResolveTXT(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetTXT("_acme-challenge.example.com", []string{"one", "two"})

	for _, name := range []string{"_acme-challenge.example.com", "_ACME-Challenge.Example.com."} {
		resp := s.Resolve(query(name, dns.TypeTXT))
		if got := txtAnswers(t, resp); !slices.Equal(got, []string{"one", "two"}) {
			t.Errorf("[%s] TXT = %q", name, got)
		}
		if len(resp.Answer) != 2 {
			t.Errorf("[%s] answers = %d, want 2", name, len(resp.Answer))
		}
	}

	if got := txtAnswers(t, s.Resolve(query("other.example.com", dns.TypeTXT))); len(got) != 0 {
		t.Errorf("TXT for unknown name = %q", got)
	}

	s.SetTXT("_acme-challenge.example.com.", []string{"three"})
	if got := txtAnswers(t, s.Resolve(query("_acme-challenge.example.com", dns.TypeTXT))); !slices.Equal(got, []string{"three"}) {
		t.Errorf("TXT after replace = %q", got)
	}

	s.ClearTXT("_acme-challenge.example.com")
	resp := s.Resolve(query("_acme-challenge.example.com", dns.TypeTXT))
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 0 {
		t.Errorf("after ClearTXT: %v", resp)
	}
}

func TestResolveANY(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetTXT("example.com", []string{"value"})
	resp := s.Resolve(query("example.com", dns.TypeANY))
	if len(resp.Answer) != 2 {
		t.Fatalf("answers = %v, want A and TXT", resp.Answer)
	}
	if _, ok := resp.Answer[0].(*dns.A); !ok {
		t.Errorf("first answer is %T, want A", resp.Answer[0])
	}
	if got := txtAnswers(t, resp); !slices.Equal(got, []string{"value"}) {
		t.Errorf("TXT = %q", got)
	}
}

func TestResolveOtherType(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Resolve(query("example.com", dns.TypeAAAA))
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 0 {
		t.Errorf("Resolve(AAAA) = %v", resp)
	}
}

func TestLongTXT(t *testing.T) {
	s, _ := newTestServer(t)
	long := strings.Repeat("a", 300) + `\b`
	s.SetTXT("example.com", []string{long})
	resp := s.Resolve(query("example.com", dns.TypeTXT))
	packed, err := resp.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	var got dns.Msg
	if err := got.Unpack(packed); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	txt := got.Answer[0].(*dns.TXT)
	if len(txt.Txt) != 2 {
		t.Errorf("character-strings = %d, want 2", len(txt.Txt))
	}
	// Unpack escapes the backslash again.
	if joined := strings.Join(txt.Txt, ""); joined != strings.Repeat("a", 300)+`\\b` {
		t.Errorf("TXT = %q", joined)
	}
}

func TestServe(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetTXT("_acme-challenge.example.com", []string{"token"})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, pc, l) }()

	for proto, addr := range map[string]string{"udp": pc.LocalAddr().String(), "tcp": l.Addr().String()} {
		c := &dns.Client{Net: proto, Timeout: 5 * time.Second}
		var resp *dns.Msg
		var err error
		// The servers start asynchronously.
		for range 50 {
			if resp, _, err = c.Exchange(query("_acme-challenge.example.com", dns.TypeTXT), addr); err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("[%s] Exchange: %v", proto, err)
		}
		if got := txtAnswers(t, resp); !slices.Equal(got, []string{"token"}) {
			t.Errorf("[%s] TXT = %q", proto, got)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeDoH(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetTXT("example.com", []string{"doh"})
	srv := httptest.NewServer(http.HandlerFunc(s.ServeDoH))
	defer srv.Close()

	packed, err := query("example.com", dns.TypeTXT).Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	decode := func(t *testing.T, resp *http.Response) *dns.Msg {
		t.Helper()
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %s", resp.Status)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/dns-message" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		var m dns.Msg
		if err := m.Unpack(body); err != nil {
			t.Fatalf("Unpack: %v", err)
		}
		return &m
	}

	t.Run("POST", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/dns-message", bytes.NewReader(packed))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		if got := txtAnswers(t, decode(t, resp)); !slices.Equal(got, []string{"doh"}) {
			t.Errorf("TXT = %q", got)
		}
	})
	t.Run("GET", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "?dns=" + base64.RawURLEncoding.EncodeToString(packed))
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if got := txtAnswers(t, decode(t, resp)); !slices.Equal(got, []string{"doh"}) {
			t.Errorf("TXT = %q", got)
		}
	})

	for _, tc := range []struct {
		name        string
		method      string
		contentType string
		body        []byte
		want        int
	}{
		{"wrong content type", http.MethodPost, "text/plain", packed, http.StatusUnsupportedMediaType},
		{"garbage", http.MethodPost, "application/dns-message", []byte{1, 2, 3}, http.StatusBadRequest},
		{"no question", http.MethodPost, "application/dns-message", mustPack(t, new(dns.Msg)), http.StatusBadRequest},
		{"PUT", http.MethodPut, "application/dns-message", packed, http.StatusMethodNotAllowed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, srv.URL, bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func mustPack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return b
}
