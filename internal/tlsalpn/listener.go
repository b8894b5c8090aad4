package tlsalpn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme"

	"github.com/ansible/acme-test-container/internal/metrics"
)

// ErrInvalidOptions is returned by NewListener when Options does not name
// exactly one certificate source.
var ErrInvalidOptions = errors.New("exactly one of Certificates or Select must be set")

// Options configures a Listener.
type Options struct {
	// Certificates is a fixed set of certificates keyed by domain.
	Certificates map[string]*tls.Certificate
	// Select picks the certificate per connection.
	Select SelectFunc
	// HandshakeTimeout bounds each handshake. Zero means no limit.
	HandshakeTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Listener accepts TCP connections and runs the TLS-ALPN-01 handshake on
// each of them.
type Listener struct {
	inner   net.Listener
	sel     SelectFunc
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
}

// session is the state of one accepted connection.
type session struct {
	id       string
	peer     string
	sni      string
	offered  []string
	protocol string
	cert     *tls.Certificate
	reject   error
}

// NewListener wraps inner.
func NewListener(inner net.Listener, opts Options) (*Listener, error) {
	if (opts.Certificates == nil) == (opts.Select == nil) {
		return nil, ErrInvalidOptions
	}
	sel := opts.Select
	if sel == nil {
		sel = MapSelector(opts.Certificates)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		inner:   inner,
		sel:     sel,
		timeout: opts.HandshakeTimeout,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Serve accepts connections until the listener is closed or ctx is done.
// Temporary accept errors are retried with a backoff capped at one second;
// any other error closes the listener and is returned.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	var delay time.Duration
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if temporaryAcceptError(err) {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay = min(2*delay, maxAcceptDelay)
				}
				l.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					l.Close()
					return nil
				}
			}
			l.logger.Error("accept failed", zap.Error(err))
			l.Close()
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0
		go l.handle(ctx, conn)
	}
}

const maxAcceptDelay = time.Second

// temporaryAcceptError reports whether Accept may succeed when retried, as
// when the process runs out of file descriptors.
func temporaryAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.ECONNABORTED, syscall.ECONNRESET} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.inner.Close()
	})
	return err
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s := &session{
		id:   uuid.NewString(),
		peer: conn.RemoteAddr().String(),
	}
	logger := l.logger.With(zap.String("session", s.id), zap.String("peer", s.peer))
	logger.Debug("performing handshake")

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	tlsConn := tls.Server(conn, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			return l.configForClient(s, hello)
		},
	})
	err := tlsConn.HandshakeContext(ctx)

	logger = logger.With(zap.String("sni", s.sni), zap.Strings("alpn", s.offered))
	switch {
	case err == nil:
		s.protocol = tlsConn.ConnectionState().NegotiatedProtocol
		logger.Info("validated", zap.String("protocol", s.protocol))
		l.metrics.Handshake(metrics.HandshakeValidated)
	case errors.Is(s.reject, ErrNoServerName), errors.Is(s.reject, ErrUnknownServerName):
		logger.Warn("dropped", zap.Error(s.reject))
		l.metrics.Handshake(metrics.HandshakeDropped)
	case errors.Is(s.reject, ErrALPNMismatch):
		logger.Warn("rejected", zap.Error(s.reject))
		l.metrics.Handshake(metrics.HandshakeRejected)
	default:
		logger.Warn("handshake failed", zap.Error(err))
		l.metrics.Handshake(metrics.HandshakeFailed)
	}
}

// configForClient runs the SNI gate and then the ALPN gate. Returning an
// error makes crypto/tls abort with a fatal alert before any certificate is
// sent.
func (l *Listener) configForClient(s *session, hello *tls.ClientHelloInfo) (*tls.Config, error) {
	s.sni = hello.ServerName
	s.offered = hello.SupportedProtos

	d := SelectCertificate(hello.ServerName, l.sel)
	if d.Rejected() {
		s.reject = d.Err
		return nil, d.Err
	}
	s.cert = d.Certificate
	l.logger.Debug("serving challenge certificate", zap.String("session", s.id), zap.String("sni", s.sni))

	if p := NegotiateProtocol(hello.SupportedProtos); p.Rejected() {
		s.reject = p.Err
		return nil, p.Err
	}
	return &tls.Config{
		MinVersion:             tls.VersionTLS12,
		Certificates:           []tls.Certificate{*s.cert},
		NextProtos:             []string{acme.ALPNProto},
		SessionTicketsDisabled: true,
	}, nil
}
