// Package config loads the settings of the test container.
package config

import (
	"net"
	"time"

	"github.com/ansible/acme-test-container/internal/certs"
)

// Config is the top level configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	TLSALPN    TLSALPNConfig    `yaml:"tlsAlpn"`
	DNS        DNSConfig        `yaml:"dns"`
	OCSP       OCSPConfig       `yaml:"ocsp"`
	Pebble     PebbleConfig     `yaml:"pebble"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

type ControllerConfig struct {
	Listen string `yaml:"listen"`
}

type TLSALPNConfig struct {
	Listen string `yaml:"listen"`
	// KeyType is rsa or ecdsa.
	KeyType          string        `yaml:"keyType"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
}

// ParsedKeyType returns KeyType as a certs.KeyType. The value has been
// checked by Load.
func (c TLSALPNConfig) ParsedKeyType() certs.KeyType {
	kt, _ := certs.ParseKeyType(c.KeyType)
	return kt
}

type DNSConfig struct {
	Listen   string `yaml:"listen"`
	AnswerIP string `yaml:"answerIP"`
	TTL      uint32 `yaml:"ttl"`
}

// IP returns AnswerIP parsed.
func (c DNSConfig) IP() net.IP {
	return net.ParseIP(c.AnswerIP)
}

type OCSPConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
	// AlternateRoots is the number of roots besides root 0.
	AlternateRoots int           `yaml:"alternateRoots"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Roots is the number of root CAs whose intermediates are searched.
func (c OCSPConfig) Roots() int {
	return c.AlternateRoots + 1
}

type PebbleConfig struct {
	RootURL    string `yaml:"rootURL"`
	MinicaPath string `yaml:"minicaPath"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{Listen: ":5000"},
		TLSALPN: TLSALPNConfig{
			Listen:           ":5001",
			KeyType:          "rsa",
			HandshakeTimeout: 10 * time.Second,
		},
		DNS: DNSConfig{
			Listen:   ":53",
			AnswerIP: "127.0.0.1",
			TTL:      10,
		},
		OCSP: OCSPConfig{
			Listen:   ":6000",
			Upstream: "https://localhost:15000",
			Timeout:  10 * time.Second,
		},
		Pebble: PebbleConfig{
			RootURL:    "https://localhost:14000/root",
			MinicaPath: "/root/pebble/test/certs/pebble.minica.pem",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
