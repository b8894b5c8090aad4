package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ansible/acme-test-container/internal/certs"
)

// Environment variables that override the file.
const (
	EnvControllerPort = "CONTROLLER_PORT"
	EnvAlternateRoots = "PEBBLE_ALTERNATE_ROOTS"
	EnvLogLevel       = "ACME_TEST_LOG_LEVEL"
)

var ErrInvalid = errors.New("invalid configuration")

// Option changes the configuration after the file and the environment have
// been applied and before it is validated.
type Option func(*Config)

// WithListen overrides the listen addresses that are not empty.
func WithListen(controller, tlsALPN, dns, ocsp string) Option {
	return func(c *Config) {
		for _, o := range []struct {
			value string
			dst   *string
		}{
			{controller, &c.Controller.Listen},
			{tlsALPN, &c.TLSALPN.Listen},
			{dns, &c.DNS.Listen},
			{ocsp, &c.OCSP.Listen},
		} {
			if o.value != "" {
				*o.dst = o.value
			}
		}
	}
}

// Load reads the YAML file at path on top of the defaults, applies the
// environment overrides and opts, and validates the result. An empty path
// yields the defaults.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvControllerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvControllerPort, v)
		}
		cfg.Controller.Listen = ":" + v
	}
	if v := getenv(EnvAlternateRoots); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvAlternateRoots, v)
		}
		cfg.OCSP.AlternateRoots = n
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func (c *Config) validate() error {
	for name, addr := range map[string]string{
		"controller.listen": c.Controller.Listen,
		"tlsAlpn.listen":    c.TLSALPN.Listen,
		"dns.listen":        c.DNS.Listen,
		"ocsp.listen":       c.OCSP.Listen,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if _, err := certs.ParseKeyType(c.TLSALPN.KeyType); err != nil {
		return fmt.Errorf("%w: tlsAlpn.keyType: %v", ErrInvalid, err)
	}
	if c.TLSALPN.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: tlsAlpn.handshakeTimeout must not be negative", ErrInvalid)
	}
	if ip := c.DNS.IP(); ip == nil || ip.To4() == nil {
		return fmt.Errorf("%w: dns.answerIP %q is not an IPv4 address", ErrInvalid, c.DNS.AnswerIP)
	}
	if c.OCSP.AlternateRoots < 0 {
		return fmt.Errorf("%w: ocsp.alternateRoots must not be negative", ErrInvalid)
	}
	if c.OCSP.Timeout <= 0 {
		return fmt.Errorf("%w: ocsp.timeout must be positive", ErrInvalid)
	}
	for name, u := range map[string]string{
		"ocsp.upstream":  c.OCSP.Upstream,
		"pebble.rootURL": c.Pebble.RootURL,
	} {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: %s %q is not an absolute URL", ErrInvalid, name, u)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format must be json or console", ErrInvalid)
	}
	return nil
}
