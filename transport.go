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
	"sync"
	"time"

	"github.com/miekg/dns"
	ot "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned when every connection slot of a server is checked out
// for longer than the exchange may wait.
var ErrPoolExhausted = errors.New("connection pool exhausted")

var errPoolClosed = errors.New("connection pool closed")

// poolConfig holds the knobs of a connPool.
type poolConfig struct {
	maxConns     int
	idleTimeout  time.Duration
	dialAttempts int
}

// pooledConn is a stream connection owned by a connPool. It is checked out by exactly
// one exchange at a time.
type pooledConn struct {
	*dns.Conn
	lastUsed time.Time
	// reused is true when the connection already served an exchange before this checkout.
	reused bool
}

// connPool keeps reusable TCP or TLS connections to one server.
type connPool struct {
	addr    string
	network string // TCP or TCPTLS
	cfg     poolConfig

	// slots bounds the number of live connections, idle and checked out.
	slots chan struct{}

	mu        sync.Mutex // protects idle, released, tlsConfig and closed
	idle      []*pooledConn
	released  chan struct{}
	tlsConfig *tls.Config
	closed    bool
}

func newConnPool(addr, network string, cfg poolConfig) *connPool {
	if cfg.maxConns <= 0 {
		cfg.maxConns = connPoolSize
	}
	if cfg.dialAttempts <= 0 {
		cfg.dialAttempts = 1
	}
	return &connPool{
		addr:     addr,
		network:  network,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.maxConns),
		released: make(chan struct{}),
	}
}

// SetTLSConfig sets tls config for new connections. Idle connections dialed with the
// previous config are dropped.
func (p *connPool) SetTLSConfig(c *tls.Config) {
	p.mu.Lock()
	p.tlsConfig = c
	stale := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.discardAll(stale)
}

// Acquire returns an idle connection if one is available, or dials a new one while the
// pool is below its cap. It waits for a released connection or a free slot until ctx is done.
func (p *connPool) Acquire(ctx context.Context) (*pooledConn, error) {
	for {
		released := p.releasedCh()
		if pc := p.popIdle(time.Now()); pc != nil {
			return pc, nil
		}

		select {
		case p.slots <- struct{}{}:
		case <-released:
			continue
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrPoolExhausted, "%s: %v", p.addr, ctx.Err())
		}

		// A connection may have been released while we waited for the slot.
		if pc := p.popIdle(time.Now()); pc != nil {
			<-p.slots
			return pc, nil
		}

		conn, err := p.dialWithRetry(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return &pooledConn{Conn: conn, lastUsed: time.Now()}, nil
	}
}

// releasedCh returns a channel that is closed on the next Release into the idle set.
func (p *connPool) releasedCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Release returns a connection to the idle set, or closes it if the exchange revealed
// the connection is broken.
func (p *connPool) Release(pc *pooledConn, healthy bool) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if !healthy || p.closed {
		p.mu.Unlock()
		p.discard(pc)
		return
	}
	pc.lastUsed = time.Now()
	pc.reused = true
	p.idle = append(p.idle, pc)
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
}

// Evict closes idle connections that were not used since now-idleTimeout.
func (p *connPool) Evict(now time.Time) int {
	p.mu.Lock()
	var stale []*pooledConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if p.expired(pc, now) {
			stale = append(stale, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()
	p.discardAll(stale)
	return len(stale)
}

// Close drains the idle connections. Checked out connections are closed when released.
func (p *connPool) Close() {
	p.mu.Lock()
	p.closed = true
	stale := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.discardAll(stale)
}

// Idle returns the number of idle connections.
func (p *connPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// popIdle takes the most recently used idle connection, closing expired ones on the way.
func (p *connPool) popIdle(now time.Time) *pooledConn {
	for {
		p.mu.Lock()
		n := len(p.idle)
		if n == 0 || p.closed {
			p.mu.Unlock()
			return nil
		}
		pc := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if !p.expired(pc, now) {
			return pc
		}
		p.discard(pc)
	}
}

func (p *connPool) expired(pc *pooledConn, now time.Time) bool {
	return p.cfg.idleTimeout > 0 && now.Sub(pc.lastUsed) > p.cfg.idleTimeout
}

func (p *connPool) discard(pc *pooledConn) {
	_ = pc.Close()
	<-p.slots
}

func (p *connPool) discardAll(pcs []*pooledConn) {
	for _, pc := range pcs {
		p.discard(pc)
	}
}

// dialWithRetry dials up to dialAttempts times with exponential backoff.
func (p *connPool) dialWithRetry(ctx context.Context) (*dns.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	tlsCfg := p.tlsConfig
	p.mu.Unlock()

	delay := attemptDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.dialAttempts; attempt++ {
		conn, err := p.dial(ctx, tlsCfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		PoolDialFailureCount.WithLabelValues(p.addr).Add(1)
		if attempt == p.cfg.dialAttempts {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrapf(lastErr, "dial %s aborted after %d attempts", p.addr, attempt)
		case <-t.C:
		}
		delay = min(2*delay, maxAttemptDelay)
	}
	return nil, errors.Wrapf(lastErr, "dial %s failed after %d attempts", p.addr, p.cfg.dialAttempts)
}

func (p *connPool) dial(ctx context.Context, tlsCfg *tls.Config) (*dns.Conn, error) {
	span := ot.SpanFromContext(ctx)
	if span != nil {
		childSpan := span.Tracer().StartSpan("connect", ot.ChildOf(span.Context()))
		ctx = ot.ContextWithSpan(ctx, childSpan)
		defer childSpan.Finish()
	}
	d := net.Dialer{Timeout: dialTimeout}
	var conn = new(dns.Conn)
	var err error
	if p.network == TCPTLS {
		tlsDialer := &tls.Dialer{Config: tlsCfg, NetDialer: &d}
		conn.Conn, err = tlsDialer.DialContext(ctx, "tcp", p.addr)
	} else {
		conn.Conn, err = d.DialContext(ctx, "tcp", p.addr)
	}
	if err != nil {
		return nil, err
	}
	PoolDialCount.WithLabelValues(p.addr).Add(1)
	return conn, nil
}
