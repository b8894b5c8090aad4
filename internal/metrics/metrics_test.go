package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Handshake(HandshakeValidated)
	m.Handshake(HandshakeValidated)
	m.Handshake(HandshakeDropped)
	m.OCSPResponse("good")
	m.HTTPRequest(404)

	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues(HandshakeValidated)); got != 2 {
		t.Errorf("validated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues(HandshakeDropped)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("404")); got != 1 {
		t.Errorf("404 = %v, want 1", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `acme_test_ocsp_responses_total{status="good"} 1`) {
		t.Errorf("metrics output missing ocsp counter:\n%s", body)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Handshake(HandshakeFailed)
	m.OCSPResponse("good")
	m.ObserveFetch("status", 1)
	m.HTTPRequest(200)
	m.DNSQuery("A")
}
