package tlsalpn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/acme-test-container/internal/metrics"
	"github.com/ansible/acme-test-container/internal/registry"
)

// ChallengeServer runs a Listener for the domains in a registry. The listener
// is started on the first Update that finds a registered domain.
type ChallengeServer struct {
	addr             string
	listen           func(network, address string) (net.Listener, error)
	registry         *registry.Registry
	handshakeTimeout time.Duration
	logger           *zap.Logger
	metrics          *metrics.Metrics

	mu       sync.Mutex
	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewChallengeServer creates a ChallengeServer that will listen on addr.
func NewChallengeServer(addr string, reg *registry.Registry, handshakeTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *ChallengeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChallengeServer{
		addr:             addr,
		listen:           net.Listen,
		registry:         reg,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		metrics:          m,
	}
}

// Update starts the listener if it is not running and at least one domain is
// registered. Calling it again is a no-op.
func (s *ChallengeServer) Update() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil || s.registry.Len() == 0 {
		return nil
	}
	s.logger.Info("launching TLS-ALPN challenge server", zap.String("addr", s.addr))
	inner, err := s.listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("net.Listen(%q): %w", s.addr, err)
	}
	l, err := NewListener(inner, Options{
		Select:           RegistrySelector(s.registry),
		HandshakeTimeout: s.handshakeTimeout,
		Logger:           s.logger,
		Metrics:          s.metrics,
	})
	if err != nil {
		inner.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		err := l.Serve(ctx)
		close(done)
		if err == nil {
			return
		}
		s.logger.Error("TLS-ALPN challenge server stopped", zap.Error(err))
		// Forget the dead listener so the next Update starts a new one.
		s.mu.Lock()
		if s.listener == l {
			s.listener, s.cancel, s.done = nil, nil, nil
		}
		s.mu.Unlock()
		cancel()
	}()
	s.listener, s.cancel, s.done = l, cancel, done
	return nil
}

// Addr returns the bound address, or nil when the listener is not running.
func (s *ChallengeServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the listener has been started.
func (s *ChallengeServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Stop closes the listener and waits until its address is released. It is
// safe to call more than once.
func (s *ChallengeServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.listener, s.cancel, s.done = nil, nil, nil
}
