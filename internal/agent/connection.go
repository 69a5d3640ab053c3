package agent

import (
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/corvusec/palisade/agent/internal/config"
	"github.com/corvusec/palisade/agent/internal/wire"
	"github.com/corvusec/palisade/agent/pkg/debug"
)

const maxCertBytes = 1 << 20

// connection is the manager-private handle for one established server
// session: the verified server identity, the secure session keyed to it,
// and the HTTP client (possibly proxied) used to reach it. It is created
// by tryEstablishConnection and discarded whenever a request fails in a
// way that makes the session unusable.
type connection struct {
	session      *wire.Session
	controlURL   string
	proxyURL     string
	client       *http.Client
	serverSerial int64
}

// newHTTPClient builds a client for one control URL attempt. An empty
// proxyURL means a direct connection.
func newHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		} else {
			debug.Warning("Ignoring malformed proxy url %q: %v", proxyURL, err)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// fetchServerCert retrieves and parses the server's certificate from the
// well-known location next to the control endpoint.
func fetchServerCert(client *http.Client, certURL string) (*x509.Certificate, error) {
	resp, err := client.Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server certificate fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read server certificate: %w", err)
	}
	cert, err := config.ParseCertificatePEM(string(body))
	if err != nil {
		return nil, err
	}
	return cert, nil
}
