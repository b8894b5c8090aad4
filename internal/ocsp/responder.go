// Package ocsp answers OCSP requests for certificates issued by an upstream
// ACME CA. Certificate status and intermediate keys come from the upstream;
// responses are signed with the matching intermediate key.
package ocsp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/ansible/acme-test-container/internal/metrics"
)

// Labels used for logging and metrics.
const (
	statusGood         = "good"
	statusRevoked      = "revoked"
	statusMalformed    = "malformed"
	statusUnauthorized = "unauthorized"
	statusInternal     = "internal_error"
)

// reasons maps upstream revocation codes to RFC 5280 CRLReason values.
var reasons = map[int]int{
	1: xocsp.KeyCompromise,
	2: xocsp.CACompromise,
	3: xocsp.AffiliationChanged,
	4: xocsp.Superseded,
	5: xocsp.CessationOfOperation,
	6: xocsp.CertificateHold,
	7: xocsp.PrivilegeWithdrawn,
	8: xocsp.AACompromise,
}

// Responder builds OCSP responses.
type Responder struct {
	upstream Upstream
	roots    int
	cache    *intermediateCache
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewResponder returns a Responder that checks the intermediates of roots
// root CAs, numbered from 0.
func NewResponder(up Upstream, roots int, logger *zap.Logger, m *metrics.Metrics) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if roots < 1 {
		roots = 1
	}
	return &Responder{
		upstream: up,
		roots:    roots,
		cache:    newIntermediateCache(),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Respond returns the DER encoded OCSP response to the DER encoded request.
// It always returns a well-formed response; failures are reported as
// unsuccessful responses.
func (r *Responder) Respond(ctx context.Context, der []byte) (resp []byte) {
	status := statusInternal
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while building OCSP response", zap.Any("panic", p), zap.Stack("stack"))
			resp, status = xocsp.InternalErrorErrorResponse, statusInternal
		}
		r.metrics.OCSPResponse(status)
	}()

	resp, status, err := r.respond(ctx, der)
	if err != nil {
		r.logger.Error("error while processing OCSP request", zap.Error(err))
		return xocsp.InternalErrorErrorResponse
	}
	return resp
}

func (r *Responder) respond(ctx context.Context, der []byte) ([]byte, string, error) {
	q, err := ParseRequest(der)
	if err != nil {
		r.logger.Warn("error while decoding OCSP request", zap.Error(err))
		return xocsp.MalformedRequestErrorResponse, statusMalformed, nil
	}
	logger := r.logger.With(zap.String("serial", q.Serial.String()))
	logger.Info("OCSP request")
	if !q.CriticalUnderstood {
		logger.Warn("OCSP request has an unsupported critical extension")
		return xocsp.MalformedRequestErrorResponse, statusMalformed, nil
	}

	im, err := r.findIntermediate(ctx, q)
	if err != nil {
		return nil, statusInternal, err
	}
	if im == nil {
		logger.Warn("cannot identify intermediate certificate",
			zap.Binary("issuerKeyHash", q.IssuerKeyHash),
			zap.Binary("issuerNameHash", q.IssuerNameHash))
		return xocsp.UnauthorizedErrorResponse, statusUnauthorized, nil
	}
	logger.Debug("identified intermediate certificate", zap.String("subject", im.Certificate.Subject.String()))

	st, err := r.upstream.CertificateStatus(ctx, SerialHex(q.Serial))
	if errors.Is(err, ErrNotFound) {
		logger.Warn("unknown certificate")
		return xocsp.UnauthorizedErrorResponse, statusUnauthorized, nil
	}
	if err != nil {
		return nil, statusInternal, fmt.Errorf("certificate status: %w", err)
	}
	logger.Debug("upstream certificate status", zap.String("status", st.Status), zap.String("revokedAt", st.RevokedAt), zap.Intp("reason", st.Reason))

	cs, label, err := mapStatus(st, r.now())
	if err != nil {
		return nil, statusInternal, err
	}
	resp, err := createResponse(im.Certificate, im.Key, responseTemplate{
		HashAlgorithm:  q.HashAlgorithm,
		IssuerNameHash: q.IssuerNameHash,
		IssuerKeyHash:  q.IssuerKeyHash,
		Serial:         q.Serial,
		Status:         cs,
		ThisUpdate:     r.now(),
		Nonce:          q.Nonce,
	})
	if err != nil {
		return nil, statusInternal, err
	}
	return resp, label, nil
}

// findIntermediate returns the first intermediate whose hashes match q, or
// nil if none does.
func (r *Responder) findIntermediate(ctx context.Context, q *Query) (*Intermediate, error) {
	for root := range r.roots {
		im, err := r.cache.get(ctx, r.upstream, root, q.HashAlgorithm)
		if err != nil {
			return nil, err
		}
		if im.Matches(q) {
			return im, nil
		}
	}
	return nil, nil
}

func mapStatus(st *CertificateStatus, now time.Time) (certStatus, string, error) {
	switch st.Status {
	case "Valid":
		return certStatus{Status: xocsp.Good}, statusGood, nil
	case "Revoked":
		cs := certStatus{Status: xocsp.Revoked, RevokedAt: now, Reason: RevocationReason(st.Reason)}
		if st.RevokedAt != "" {
			t, err := ParseRevokedAt(st.RevokedAt)
			if err != nil {
				return certStatus{}, "", err
			}
			cs.RevokedAt = t
		}
		return cs, statusRevoked, nil
	default:
		return certStatus{}, "", fmt.Errorf("unknown certificate status %q", st.Status)
	}
}

// RevocationReason maps an upstream reason code to a CRLReason. Unknown or
// missing codes map to unspecified.
func RevocationReason(code *int) int {
	if code == nil {
		return xocsp.Unspecified
	}
	if r, ok := reasons[*code]; ok {
		return r
	}
	return xocsp.Unspecified
}

// ParseRevokedAt parses a revocation time such as
// "2019-05-20 12:34:56.789 +0000 UTC". The zone and fractional seconds are
// dropped and the result is in UTC. RFC 3339 is accepted as well.
func ParseRevokedAt(s string) (time.Time, error) {
	fields := strings.Fields(s)
	if len(fields) >= 2 {
		v := fields[0] + " " + fields[1]
		if i := strings.IndexByte(v, '.'); i >= 0 {
			v = v[:i]
		}
		if t, err := time.Parse(time.DateTime, v); err == nil {
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid revocation time %q", s)
	}
	return t.UTC().Truncate(time.Second), nil
}

// SerialHex formats a serial number as lowercase hex with an even number of
// digits.
func SerialHex(serial *big.Int) string {
	s := serial.Text(16)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}
