// acme-test-container runs the challenge servers, the OCSP responder and
// the control plane used by ACME client integration tests.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/acme-test-container/internal/config"
	"github.com/ansible/acme-test-container/internal/controller"
	"github.com/ansible/acme-test-container/internal/dnsserver"
	"github.com/ansible/acme-test-container/internal/metrics"
	"github.com/ansible/acme-test-container/internal/ocsp"
	"github.com/ansible/acme-test-container/internal/registry"
	"github.com/ansible/acme-test-container/internal/tlsalpn"
)

var (
	configFile     = flag.String("config", "", "The YAML configuration file")
	controllerAddr = flag.String("controller-addr", "", "Overrides controller.listen")
	tlsALPNAddr    = flag.String("tls-alpn-addr", "", "Overrides tlsAlpn.listen")
	dnsAddr        = flag.String("dns-addr", "", "Overrides dns.listen")
	ocspAddr       = flag.String("ocsp-addr", "", "Overrides ocsp.listen")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "probe" {
		os.Exit(runProbe(os.Args[2:], os.Stdout, os.Stderr))
	}
	flag.Parse()

	cfg, err := config.Load(*configFile, config.WithListen(*controllerAddr, *tlsALPNAddr, *dnsAddr, *ocspAddr))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT)
		signal.Notify(ch, syscall.SIGTERM)
		sig := <-ch
		logger.Info("received signal", zap.Stringer("signal", sig))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("acme-test-container failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	reg := registry.New()
	alpn := tlsalpn.NewChallengeServer(cfg.TLSALPN.Listen, reg, cfg.TLSALPN.HandshakeTimeout, logger.Named("tls-alpn"), m)
	defer alpn.Stop()

	dnsServer := dnsserver.New(cfg.DNS.IP(), cfg.DNS.TTL, logger.Named("dns"), m)

	fetcher := ocsp.NewHTTPFetcher(cfg.OCSP.Upstream, cfg.OCSP.Timeout, m)
	responder := ocsp.NewResponder(&ocsp.PebbleUpstream{Fetcher: fetcher}, cfg.OCSP.Roots(), logger.Named("ocsp"), m)

	ctrl := controller.New(controller.Options{
		Registry:      reg,
		TLSALPN:       alpn,
		DNS:           dnsServer,
		KeyType:       cfg.TLSALPN.ParsedKeyType(),
		MinicaPath:    cfg.Pebble.MinicaPath,
		PebbleRootURL: cfg.Pebble.RootURL,
		HTTPClient: &http.Client{
			Timeout: cfg.OCSP.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		},
		Logger:  logger.Named("controller"),
		Metrics: m,
	})

	servers := []*http.Server{
		{Addr: cfg.Controller.Listen, Handler: ctrl.Handler()},
		{Addr: cfg.OCSP.Listen, Handler: responder.Handler()},
	}
	errc := make(chan error, len(servers)+1)
	for _, srv := range servers {
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s: %w", srv.Addr, err)
				return
			}
			errc <- nil
		}()
	}
	dnsCtx, dnsCancel := context.WithCancel(ctx)
	defer dnsCancel()
	go func() {
		if err := dnsServer.ListenAndServe(dnsCtx, cfg.DNS.Listen); err != nil {
			errc <- fmt.Errorf("dns %s: %w", cfg.DNS.Listen, err)
			return
		}
		errc <- nil
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if e := srv.Shutdown(shutdownCtx); e != nil {
			logger.Warn("HTTP server shutdown", zap.String("addr", srv.Addr), zap.Error(e))
		}
	}
	dnsCancel()
	logger.Info("stopped")
	return err
}
