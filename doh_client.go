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
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// dohMaxResponseSize is the maximum DNS response body we will read over DoH (64 KiB).
// This prevents a malicious server from forcing unbounded memory allocation.
const dohMaxResponseSize = 64 * 1024

// dohContentType is the MIME type for DNS wire-format messages (RFC 8484 §6).
const dohContentType = "application/dns-message"

// h2 health checks for pooled connections: a connection without frames for
// dohReadIdleTimeout is pinged and dropped if the ping is not answered in time.
const (
	dohReadIdleTimeout = 15 * time.Second
	dohPingTimeout     = 5 * time.Second
)

// dohClient implements the Client interface for DNS-over-HTTPS (RFC 8484).
// It uses HTTP POST with the application/dns-message content type.
type dohClient struct {
	endpoint   string     // full URL, e.g. "https://dns.google/dns-query"
	netType    string     // DOH or DOH3
	pool       poolConfig // connection cap and idle timeout of the HTTP transport
	mu         sync.Mutex // protects httpClient during SetTLSConfig
	httpClient *http.Client
}

// NewDoHClient creates a new DNS-over-HTTPS client for the given endpoint URL.
// The endpoint must be a full URL (e.g. "https://dns.google/dns-query").
// The client uses HTTP/2 with a connection-pooling transport for performance.
func NewDoHClient(endpoint string) Client {
	return newDoHClientWithTLS(endpoint, nil, poolConfig{maxConns: connPoolSize, idleTimeout: defaultIdleTime})
}

// newDoHClientWithTLS creates a DoH client with an optional TLS configuration override.
func newDoHClientWithTLS(endpoint string, tlsConfig *tls.Config, pool poolConfig) Client {
	return &dohClient{
		endpoint:   endpoint,
		netType:    DOH,
		pool:       pool,
		httpClient: newHTTP2Client(tlsConfig, pool),
	}
}

// newHTTP2Client creates an http.Client backed by an HTTP/2-capable transport.
// The transport is the connection pool of the server: it keeps at most pool.maxConns
// connections and closes those idle for longer than pool.idleTimeout.
// The TLS config is cloned to prevent external mutation.
func newHTTP2Client(tlsConfig *tls.Config, pool poolConfig) *http.Client {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	maxConns := pool.maxConns
	if maxConns <= 0 {
		maxConns = connPoolSize
	}
	tr := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     pool.idleTimeout,
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
	}
	if h2, err := http2.ConfigureTransports(tr); err != nil {
		log.Warningf("HTTP/2 setup failed, falling back to the default transport: %v", err)
		tr.ForceAttemptHTTP2 = true
	} else {
		h2.ReadIdleTimeout = dohReadIdleTimeout
		h2.PingTimeout = dohPingTimeout
	}
	return &http.Client{
		Transport: tr,
		Timeout:   maxTimeout,
	}
}

// SetTLSConfig updates the TLS configuration used by the HTTP transport.
// A new http.Client is created with the new config. The old transport is closed
// to release idle connections and avoid leaking goroutines.
func (c *dohClient) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		return
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}

	newClient := newHTTP2Client(cfg, c.pool)

	c.mu.Lock()
	old := c.httpClient
	c.httpClient = newClient
	c.mu.Unlock()

	// Close idle connections on the old transport.
	if tr, ok := old.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// Close releases resources held by this DoH client (closes idle HTTP connections).
func (c *dohClient) Close() error {
	c.mu.Lock()
	hc := c.httpClient
	c.mu.Unlock()
	hc.CloseIdleConnections()
	return nil
}

// Net returns the network type identifier for this client.
func (c *dohClient) Net() string {
	return c.netType
}

// Endpoint returns the DoH server URL.
func (c *dohClient) Endpoint() string {
	return c.endpoint
}

// Exchange sends a DNS query to the DoH server using HTTP POST (RFC 8484).
// The wire-format query is the request body and the response body is returned as is.
func (c *dohClient) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	c.mu.Lock()
	hc := c.httpClient
	c.mu.Unlock()
	return dohRoundTrip(ctx, hc, c.endpoint, query)
}

// dohRoundTrip performs a DNS-over-HTTPS round trip using the given http.Client.
// It sends the packed query as an HTTP POST, validates the response and returns
// its body. Shared by both DoH (HTTP/2) and DoH3 (HTTP/3).
func dohRoundTrip(ctx context.Context, httpClient *http.Client, endpoint string, query []byte) ([]byte, error) {
	if len(query) < headerSize {
		return nil, errShortQuery
	}
	ctx, finish := withRequestSpan(ctx, endpoint)
	defer finish()
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create DoH HTTP request")
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	resp, err := httpClient.Do(httpReq) //nolint:gosec // G704: URL comes from server configuration, not user input
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "DoH HTTP request failed")
	}
	defer func() {
		// Drain any remaining body bytes so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, dohMaxResponseSize))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("DoH server returned HTTP %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != dohContentType {
		return nil, errors.Errorf("DoH server returned unexpected content-type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dohMaxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read DoH response body")
	}
	if len(body) < headerSize {
		return nil, errors.Errorf("DoH response too short (%d bytes)", len(body))
	}

	observeExchange(endpoint, start)
	return body, nil
}
