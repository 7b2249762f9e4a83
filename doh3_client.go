// Copyright (c) 2026 Doc.ai and/or its affiliates.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
)

// doh3Client implements the Client interface for DNS-over-HTTPS using HTTP/3 (QUIC transport).
// It follows RFC 8484 at the application layer while using QUIC (RFC 9000) as the transport,
// providing reduced connection-establishment latency and improved multiplexing.
// The http3.Transport keeps one QUIC connection per server and multiplexes exchanges on it.
type doh3Client struct {
	endpoint  string     // full URL, e.g. "https://dns.google/dns-query"
	mu        sync.Mutex // protects h3Client and transport during SetTLSConfig
	h3Client  *http.Client
	transport *http3.Transport
}

// NewDoH3Client creates a new DNS-over-HTTPS client using HTTP/3 (QUIC) transport.
// The endpoint must be a full HTTPS URL (e.g. "https://dns.google/dns-query").
func NewDoH3Client(endpoint string) Client {
	return newDoH3ClientWithTLS(endpoint, nil)
}

// newDoH3ClientWithTLS creates a DoH3 client with an optional TLS configuration override.
func newDoH3ClientWithTLS(endpoint string, tlsConfig *tls.Config) Client {
	c := &doh3Client{endpoint: endpoint}
	c.install(tlsConfig)
	return c
}

// install replaces the HTTP/3 transport. The caller holds mu or owns c exclusively.
func (c *doh3Client) install(cfg *tls.Config) {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	// HTTP/3 over QUIC mandates TLS 1.3 as minimum.
	if cfg.MinVersion < tls.VersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}
	c.transport = &http3.Transport{
		TLSClientConfig: cfg,
	}
	c.h3Client = &http.Client{
		Transport: c.transport,
		Timeout:   maxTimeout,
	}
}

// SetTLSConfig updates the TLS configuration used by the HTTP/3 QUIC transport.
// HTTP/3 requires TLS 1.3 as a minimum; this is enforced automatically.
func (c *doh3Client) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	old := c.transport
	c.install(cfg)
	c.mu.Unlock()
	_ = old.Close()
}

// Close shuts down the QUIC connections held by the transport.
func (c *doh3Client) Close() error {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	return tr.Close()
}

// Net returns the network type identifier for this client.
func (c *doh3Client) Net() string {
	return DOH3
}

// Endpoint returns the DoH server URL.
func (c *doh3Client) Endpoint() string {
	return c.endpoint
}

// Exchange sends a DNS query to the DoH server over HTTP/3 (QUIC) using HTTP POST (RFC 8484).
func (c *doh3Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	c.mu.Lock()
	hc := c.h3Client
	c.mu.Unlock()
	return dohRoundTrip(ctx, hc, c.endpoint, query)
}
