package httpx

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// ClientConfig controls the process-wide relay client.
type ClientConfig struct {
	Timeout  time.Duration // whole request including body; must outlast a relay long-poll
	Insecure bool          // accept any server certificate
	CAFile   string        // optional PEM bundle replacing the system roots
	HTTP2    bool
	// MaxIdlePerHost bounds pooled connections to the relay.
	MaxIdlePerHost int
}

// DefaultClientConfig mirrors the relay's long-poll window.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Timeout: 63 * time.Second, HTTP2: true, MaxIdlePerHost: 64}
}

// NewClient builds the single *http.Client shared by every tunnel session.
func NewClient(cfg ClientConfig) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.Insecure}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	idle := cfg.MaxIdlePerHost
	if idle <= 0 {
		idle = http.DefaultMaxIdleConnsPerHost
	}
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          idle * 2,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.HTTP2 {
		// A custom TLSClientConfig disables the transport's built-in h2 upgrade.
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: tr}, nil
}
