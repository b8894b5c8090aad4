package dnsserver

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const dnsMessageType = "application/dns-message"

// ServeDoH answers DNS over HTTPS queries (RFC 8484). POST carries the
// message as body; GET carries it base64url encoded in the dns parameter.
func (s *Server) ServeDoH(w http.ResponseWriter, r *http.Request) {
	var body []byte
	switch r.Method {
	case http.MethodPost:
		if r.Header.Get("Content-Type") != dnsMessageType {
			http.Error(w, "Unsupported content type", http.StatusUnsupportedMediaType)
			return
		}
		b, err := io.ReadAll(io.LimitReader(r.Body, dns.MaxMsgSize))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		body = b
	case http.MethodGet:
		b, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		if err != nil {
			http.Error(w, "Failed to decode dns parameter", http.StatusBadRequest)
			return
		}
		body = b
	default:
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		http.Error(w, "Failed to decode DNS message", http.StatusBadRequest)
		return
	}
	if len(msg.Question) == 0 {
		http.Error(w, "No questions in DNS message", http.StatusBadRequest)
		return
	}
	for _, q := range msg.Question {
		s.logger.Info("DoH request", zap.String("peer", r.RemoteAddr), zap.String("name", q.Name), zap.String("type", dns.TypeToString[q.Qtype]))
	}

	packed, err := s.Resolve(msg).Pack()
	if err != nil {
		s.logger.Error("cannot pack DNS reply", zap.Error(err))
		http.Error(w, "Failed to encode DNS message", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", dnsMessageType)
	w.Write(packed)
}
