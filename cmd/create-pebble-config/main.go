// create-pebble-config writes the Pebble configuration that points the CA at
// the challenge servers and OCSP responder of this container.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

var (
	ownIP      = flag.String("ip", "", "The address advertised in ocspResponderURL. Defaults to the address of the hostname")
	blocklist  = flag.String("domain-blocklist", "", "Comma separated list of domains Pebble refuses to issue for")
	ocspPort   = flag.Int("ocsp-port", 6000, "The port of the OCSP responder")
	eabEntries eabFlag
)

func init() {
	flag.Var(&eabEntries, "eab", "External account binding as kid=base64url-hmac-key. Can be repeated")
}

// PebbleConfig is the subset of Pebble's configuration file we set.
type PebbleConfig struct {
	ListenAddress           string            `json:"listenAddress"`
	ManagementListenAddress string            `json:"managementListenAddress"`
	Certificate             string            `json:"certificate"`
	PrivateKey              string            `json:"privateKey"`
	HTTPPort                int               `json:"httpPort"`
	TLSPort                 int               `json:"tlsPort"`
	OCSPResponderURL        string            `json:"ocspResponderURL"`
	DomainBlocklist         []string          `json:"domainBlocklist,omitempty"`
	ExternalAccountRequired bool              `json:"externalAccountBindingRequired,omitempty"`
	ExternalAccountMACKeys  map[string]string `json:"externalAccountMACKeys,omitempty"`
}

type eabFlag map[string]string

func (f *eabFlag) String() string {
	var s []string
	for k, v := range *f {
		s = append(s, k+"="+v)
	}
	return strings.Join(s, ",")
}

func (f *eabFlag) Set(v string) error {
	kid, key, ok := strings.Cut(v, "=")
	if !ok || kid == "" || key == "" {
		return errors.New("expected kid=key")
	}
	if *f == nil {
		*f = make(eabFlag)
	}
	(*f)[kid] = key
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <output file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ip := *ownIP
	if ip == "" {
		var err error
		if ip, err = hostIP(); err != nil {
			log.Fatalf("hostIP: %v", err)
		}
	}
	cfg := newConfig(ip, *ocspPort, splitList(*blocklist), eabEntries)
	if err := writeConfig(flag.Arg(0), cfg); err != nil {
		log.Fatalf("writeConfig: %v", err)
	}
}

func newConfig(ip string, ocspPort int, blocklist []string, eab map[string]string) PebbleConfig {
	return PebbleConfig{
		ListenAddress:           "0.0.0.0:14000",
		ManagementListenAddress: "0.0.0.0:15000",
		Certificate:             "test/certs/localhost/cert.pem",
		PrivateKey:              "test/certs/localhost/key.pem",
		HTTPPort:                5000,
		TLSPort:                 5001,
		OCSPResponderURL:        fmt.Sprintf("http://%s", net.JoinHostPort(ip, fmt.Sprint(ocspPort))),
		DomainBlocklist:         blocklist,
		ExternalAccountRequired: len(eab) > 0,
		ExternalAccountMACKeys:  eab,
	}
}

func writeConfig(path string, cfg PebbleConfig) error {
	b, err := json.MarshalIndent(map[string]PebbleConfig{"pebble": cfg}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func splitList(s string) []string {
	var out []string
	for v := range strings.SplitSeq(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// hostIP returns the first IPv4 address of the hostname.
func hostIP() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}
	addrs, err := net.LookupHost(name)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no address for %s", name)
	}
	return addrs[0], nil
}
