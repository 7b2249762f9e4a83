// Copyright (c) 2020 Doc.ai and/or its affiliates.
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
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	ot "github.com/opentracing/opentracing-go"
	otext "github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
)

var errMaxReadLoopExceeded = errors.New("maximum read loop iterations exceeded without matching response ID")

var errShortQuery = errors.New("query shorter than a DNS header")

// headerSize is the length of the fixed DNS message header.
const headerSize = 12

// Client is the transport binding of one upstream server: it sends a packed DNS query
// and returns the packed response. Implementations are safe for concurrent use; every
// call is an independent exchange.
type Client interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
	Endpoint() string
	Net() string
	SetTLSConfig(*tls.Config)
	Close() error
}

// clientOptions carries the facade configuration down to the bindings.
type clientOptions struct {
	pool      poolConfig
	udpSize   uint16
	tlsConfig *tls.Config
}

// newClient selects the binding for the transport kind of e.
func newClient(e ServerEntry, opts clientOptions) Client {
	var c Client
	switch e.Kind {
	case TransportTCP:
		c = newStreamClient(e.HostPort(), TCP, opts.pool)
	case TransportTLS:
		c = newStreamClient(e.HostPort(), TCPTLS, opts.pool)
		c.SetTLSConfig(tlsConfigFor(e, opts.tlsConfig))
		return c
	case TransportHTTPS:
		return newDoHClientWithTLS(e.URL(), tlsConfigFor(e, opts.tlsConfig), opts.pool)
	case TransportHTTP3:
		return newDoH3ClientWithTLS(e.URL(), tlsConfigFor(e, opts.tlsConfig))
	case TransportQUIC:
		return newDoQClientWithTLS(e.HostPort(), tlsConfigFor(e, opts.tlsConfig))
	default:
		c = NewUDPClient(e.HostPort(), opts.udpSize)
	}
	return c
}

// tlsConfigFor clones base and fills in the server name from the entry when it is a host name.
func tlsConfigFor(e ServerEntry, base *tls.Config) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" && net.ParseIP(e.Address) == nil {
		cfg.ServerName = e.Address
	}
	return cfg
}

// udpClient sends one datagram per exchange. It has no persistent connection.
type udpClient struct {
	addr    string
	udpSize uint16
}

// NewUDPClient creates a datagram client for addr that reads responses up to udpSize bytes.
func NewUDPClient(addr string, udpSize uint16) Client {
	return &udpClient{addr: addr, udpSize: clampUDPSize(int(udpSize))}
}

// SetTLSConfig is a no-op for plain UDP.
func (c *udpClient) SetTLSConfig(*tls.Config) {}

// Net type of client
func (c *udpClient) Net() string {
	return UDP
}

// Endpoint returns address of DNS server
func (c *udpClient) Endpoint() string {
	return c.addr
}

// Close is a no-op, every exchange uses its own socket.
func (c *udpClient) Close() error {
	return nil
}

// Exchange sends the query and waits for the response with the same transaction id.
// If nothing arrives within the first half of the budget the query is sent once more.
func (c *udpClient) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < headerSize {
		return nil, errShortQuery
	}
	ctx, finish := withRequestSpan(ctx, c.addr)
	defer finish()
	start := time.Now()

	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, err
	}
	conn := &dns.Conn{Conn: nc, UDPSize: c.udpSize}
	defer conn.Close() //nolint:errcheck // best-effort close
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := deadlineFromCtx(ctx, readTimeout)
	retransmitAt := start.Add(deadline.Sub(start) / 2)

	id := msgID(query)
	buf := make([]byte, c.udpSize)
	for _, wait := range []time.Time{retransmitAt, deadline} {
		if err = conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
			return nil, ctxErrOr(ctx, err)
		}
		if _, err = conn.Write(query); err != nil {
			return nil, ctxErrOr(ctx, err)
		}
		var resp []byte
		resp, err = readMatching(conn, buf, id, wait)
		if err == nil {
			observeExchange(c.addr, start)
			return resp, nil
		}
		if !isTimeout(err) || ctx.Err() != nil {
			return nil, ctxErrOr(ctx, err)
		}
	}
	return nil, err
}

// streamClient exchanges length-prefixed messages over pooled TCP or TLS connections.
type streamClient struct {
	addr string
	net  string
	pool *connPool
}

// NewClient creates new client with specific addr and network (TCP or TCPTLS).
func NewClient(addr, network string) Client {
	if network == UDP {
		return NewUDPClient(addr, defaultUDPSize)
	}
	return newStreamClient(addr, network, poolConfig{maxConns: connPoolSize, idleTimeout: defaultIdleTime, dialAttempts: defaultDialAttempts})
}

func newStreamClient(addr, network string, cfg poolConfig) *streamClient {
	return &streamClient{
		addr: addr,
		net:  network,
		pool: newConnPool(addr, network, cfg),
	}
}

// SetTLSConfig sets tls config for client
func (c *streamClient) SetTLSConfig(cfg *tls.Config) {
	if cfg != nil {
		c.net = TCPTLS
		c.pool.network = TCPTLS
	}
	c.pool.SetTLSConfig(cfg)
}

// Net type of client
func (c *streamClient) Net() string {
	return c.net
}

// Endpoint returns address of DNS server
func (c *streamClient) Endpoint() string {
	return c.addr
}

// Close releases resources held by this client (drains the connection pool).
func (c *streamClient) Close() error {
	c.pool.Close()
	return nil
}

// Exchange sends the query over a pooled connection. A reused connection that fails
// is assumed stale and the exchange is retried once on a fresh connection.
func (c *streamClient) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < headerSize {
		return nil, errShortQuery
	}
	ctx, finish := withRequestSpan(ctx, c.addr)
	defer finish()
	start := time.Now()

	for {
		pc, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		reused := pc.reused
		resp, err := c.exchangeOn(ctx, pc, query)
		if err == nil {
			observeExchange(c.addr, start)
			return resp, nil
		}
		if !reused || ctx.Err() != nil {
			return nil, ctxErrOr(ctx, err)
		}
		log.Debugf("stale pooled connection to %s: %v", c.addr, err)
	}
}

// exchangeOn runs one exchange on a checked out connection and returns it to the pool.
func (c *streamClient) exchangeOn(ctx context.Context, pc *pooledConn, query []byte) (resp []byte, err error) {
	// cancelled tracks whether the context-cancellation goroutine closed the connection.
	// If so, we must not return the connection to the pool.
	var cancelled atomic.Bool
	done := make(chan struct{})
	stopped := make(chan struct{})
	defer func() {
		close(done)
		<-stopped
		c.pool.Release(pc, err == nil && !cancelled.Load())
	}()
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			_ = pc.Close()
		case <-done:
		}
	}()

	if err = pc.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return nil, err
	}
	if _, err = pc.Write(query); err != nil {
		return nil, err
	}
	buf := make([]byte, maxMessageSize)
	return readMatching(pc.Conn, buf, msgID(query), deadlineFromCtx(ctx, readTimeout))
}

// readMatching reads messages until one carries the transaction id id. Responses with
// other ids belong to earlier, abandoned exchanges and are skipped.
func readMatching(conn *dns.Conn, buf []byte, id uint16, deadline time.Time) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for range maxReadLoopIterations {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < headerSize {
			continue
		}
		if msgID(buf[:n]) == id {
			resp := make([]byte, n)
			copy(resp, buf[:n])
			return resp, nil
		}
	}
	return nil, errMaxReadLoopExceeded
}

// ctxErrOr prefers the context error over err once ctx is done, since closing the
// connection on cancellation surfaces as an unrelated network error.
func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// clampUDPSize restricts the UDP buffer size to the valid DNS range [512, 65535].
func clampUDPSize(size int) uint16 {
	if size < dns.MinMsgSize {
		size = dns.MinMsgSize
	}
	if size > dns.MaxMsgSize {
		size = dns.MaxMsgSize
	}
	return uint16(size)
}

// deadlineFromCtx returns the deadline of ctx, or now+fallback when ctx has none.
func deadlineFromCtx(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

func observeExchange(addr string, start time.Time) {
	RequestCount.WithLabelValues(addr).Add(1)
	RequestDuration.WithLabelValues(addr).Observe(time.Since(start).Seconds())
}

func withRequestSpan(ctx context.Context, addr string) (context.Context, func()) {
	span := ot.SpanFromContext(ctx)
	if span == nil {
		return ctx, func() {}
	}
	childSpan := span.Tracer().StartSpan("request", ot.ChildOf(span.Context()))
	otext.PeerAddress.Set(childSpan, addr)
	return ot.ContextWithSpan(ctx, childSpan), childSpan.Finish
}
