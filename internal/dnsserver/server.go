// Package dnsserver is an authoritative-for-everything DNS responder. A
// queries are answered with a fixed address; TXT queries are answered from
// records set through the control plane.
package dnsserver

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/ansible/acme-test-container/internal/metrics"
)

// DefaultTTL is the TTL of every answer unless configured otherwise.
const DefaultTTL = 10

const maxTXTString = 255

// Server answers DNS queries.
type Server struct {
	answerIP net.IP
	ttl      uint32
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu  sync.RWMutex
	txt map[string][]string
}

// New returns a Server answering A queries with answerIP.
func New(answerIP net.IP, ttl uint32, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Server{
		answerIP: answerIP.To4(),
		ttl:      ttl,
		logger:   logger,
		metrics:  m,
		txt:      make(map[string][]string),
	}
}

func recordKey(name string) string {
	return dns.CanonicalName(name)
}

// SetTXT replaces the TXT records of name.
func (s *Server) SetTXT(name string, values []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txt[recordKey(name)] = append([]string(nil), values...)
}

// ClearTXT removes all TXT records of name.
func (s *Server) ClearTXT(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txt[recordKey(name)] = nil
}

// TXT returns the TXT records of name.
func (s *Server) TXT(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.txt[recordKey(name)]...)
}

// Resolve builds the reply to req.
func (s *Server) Resolve(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	for _, q := range req.Question {
		s.metrics.DNSQuery(dns.TypeToString[q.Qtype])
		if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
			if s.answerIP != nil {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.ttl},
					A:   s.answerIP,
				})
			}
		}
		if q.Qtype == dns.TypeTXT || q.Qtype == dns.TypeANY {
			for _, v := range s.TXT(q.Name) {
				resp.Answer = append(resp.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: s.ttl},
					Txt: txtStrings(v),
				})
			}
		}
	}
	return resp
}

// txtStrings splits v into character-strings of at most 255 bytes, escaped
// for the miekg/dns presentation format.
func txtStrings(v string) []string {
	var out []string
	for len(v) > maxTXTString {
		out = append(out, escapeTXT(v[:maxTXTString]))
		v = v[maxTXTString:]
	}
	return append(out, escapeTXT(v))
}

func escapeTXT(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := s.Resolve(req)
	logger := s.logger.With(zap.Stringer("peer", w.RemoteAddr()), zap.String("net", w.RemoteAddr().Network()))
	for _, q := range req.Question {
		logger.Info("DNS request", zap.String("name", q.Name), zap.String("type", dns.TypeToString[q.Qtype]))
	}
	if err := w.WriteMsg(resp); err != nil {
		logger.Warn("DNS reply failed", zap.Error(err))
		return
	}
	logger.Debug("DNS reply", zap.Int("answers", len(resp.Answer)), zap.String("rcode", dns.RcodeToString[resp.Rcode]))
}

// ListenAndServe serves UDP and TCP on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		pc.Close()
		return err
	}
	return s.Serve(ctx, pc, l)
}

// Serve serves pc and l until ctx is canceled or one of them fails.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn, l net.Listener) error {
	servers := []*dns.Server{
		{PacketConn: pc, Handler: s},
		{Listener: l, Handler: s},
	}
	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() { errc <- srv.ActivateAndServe() }()
	}
	s.logger.Info("DNS server listening", zap.Stringer("udp", pc.LocalAddr()), zap.Stringer("tcp", l.Addr()))

	var err error
	pending := len(servers)
	select {
	case <-ctx.Done():
	case err = <-errc:
		pending--
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.ShutdownContext(shutdownCtx)
	}
	pc.Close()
	l.Close()
	for range pending {
		<-errc
	}
	return err
}
