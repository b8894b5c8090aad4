package ocsp

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxRequestSize = 1 << 16

// Handler serves OCSP over HTTP (RFC 6960, appendix A): POST with the DER
// request as body, or GET with the base64 request as the path.
func (r *Responder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var der []byte
		switch req.Method {
		case http.MethodPost:
			body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize))
			if err != nil {
				http.Error(w, "cannot read request", http.StatusBadRequest)
				return
			}
			der = body
		case http.MethodGet:
			der = decodeGetRequest(req.URL)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := r.Respond(req.Context(), der)
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(resp)
	})
}

// decodeGetRequest returns the request encoded in the path, or nil. A nil
// request is answered with MALFORMED_REQUEST by Respond. Clients do not
// always escape the slashes of standard base64, so the whole path after the
// leading slash is decoded.
func decodeGetRequest(u *url.URL) []byte {
	p, err := url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/"))
	if err != nil {
		return nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if der, err := enc.DecodeString(p); err == nil {
			return der
		}
	}
	return nil
}
