package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ansible/acme-test-container/internal/probe"
)

// runProbe validates a running TLS-ALPN-01 responder and returns the exit
// code.
func runProbe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "localhost:5001", "The host:port of the TLS-ALPN responder")
	domain := fs.String("domain", "", "The domain to validate")
	digestB64 := fs.String("digest-b64", "", "The expected SHA-256 digest of the key authorization, base64 encoded")
	keyAuth := fs.String("key-authorization", "", "The key authorization, used instead of -digest-b64")
	timeout := fs.Duration("timeout", 10*time.Second, "The connection timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *domain == "" || (*digestB64 == "") == (*keyAuth == "") {
		fmt.Fprintln(stderr, "probe: -domain and exactly one of -digest-b64 or -key-authorization are required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var res *probe.Result
	var err error
	if *keyAuth != "" {
		res, err = probe.ValidateKeyAuthorization(ctx, *addr, *domain, *keyAuth)
	} else {
		digest, derr := base64.StdEncoding.DecodeString(*digestB64)
		if derr != nil {
			fmt.Fprintf(stderr, "probe: -digest-b64: %v\n", derr)
			return 2
		}
		res, err = probe.Validate(ctx, *addr, *domain, digest)
	}
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK %s (%s, serial %s)\n", *domain, res.Protocol, res.Certificate.SerialNumber)
	return 0
}
