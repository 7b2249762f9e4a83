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
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// acceptingListener accepts TCP connections and keeps them open until it is closed.
func acceptingListener(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()
		for {
			c, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	return ln.Addr().String(), func() {
		_ = ln.Close()
		<-done
	}
}

func TestConnPool_ReleaseAndReuse(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := acceptingListener(t)
	defer stop()

	p := newConnPool(addr, TCP, poolConfig{maxConns: 2, idleTimeout: time.Minute, dialAttempts: 1})
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, pc.reused)
	p.Release(pc, true)
	require.Equal(t, 1, p.Idle())

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, pc, again)
	require.True(t, again.reused)
	require.Zero(t, p.Idle())

	p.Release(again, false)
	require.Zero(t, p.Idle())
	require.Empty(t, p.slots)

	p.Release(nil, true)
}

// TestConnPool_CapBlocksUntilRelease verifies that the pool never holds more than maxConns
// connections and that waiters give up with ErrPoolExhausted when their context ends.
func TestConnPool_CapBlocksUntilRelease(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := acceptingListener(t)
	defer stop()

	p := newConnPool(addr, TCP, poolConfig{maxConns: 1, idleTimeout: time.Minute, dialAttempts: 1})
	defer p.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	got := make(chan *pooledConn, 1)
	go func() {
		pc, acquireErr := p.Acquire(context.Background())
		if acquireErr == nil {
			got <- pc
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	p.Release(held, true)

	select {
	case pc := <-got:
		require.Same(t, held, pc)
		p.Release(pc, true)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after release")
	}
}

func TestConnPool_Evict(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := acceptingListener(t)
	defer stop()

	p := newConnPool(addr, TCP, poolConfig{maxConns: 4, idleTimeout: time.Second, dialAttempts: 1})
	defer p.Close()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(a, true)
	p.Release(b, true)
	require.Equal(t, 2, p.Idle())

	require.Zero(t, p.Evict(time.Now()))
	require.Equal(t, 2, p.Evict(time.Now().Add(2*time.Second)))
	require.Zero(t, p.Idle())
	require.Empty(t, p.slots)
}

func TestConnPool_ExpiredIdleIsNotReused(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := acceptingListener(t)
	defer stop()

	p := newConnPool(addr, TCP, poolConfig{maxConns: 1, idleTimeout: time.Millisecond, dialAttempts: 1})
	defer p.Close()

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(first, true)
	time.Sleep(10 * time.Millisecond)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.False(t, second.reused)
	p.Release(second, true)
}

func TestConnPool_DialRetriesThenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newConnPool(addr, TCP, poolConfig{maxConns: 1, dialAttempts: 2})
	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed after 2 attempts")
	require.GreaterOrEqual(t, time.Since(start), attemptDelay)
	require.Empty(t, p.slots, "a failed dial must give its slot back")
}

func TestConnPool_ClosedPool(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := acceptingListener(t)
	defer stop()

	p := newConnPool(addr, TCP, poolConfig{maxConns: 2, idleTimeout: time.Minute, dialAttempts: 1})
	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Close()

	p.Release(pc, true)
	require.Zero(t, p.Idle())
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, errPoolClosed)
}

// TestConnPool_DialWithTracingSpan verifies that dialing creates a "connect" child span when a
// parent span is present.
func TestConnPool_DialWithTracingSpan(t *testing.T) {
	addr, stop := acceptingListener(t)
	defer stop()

	tracer := mocktracer.New()
	parent := tracer.StartSpan("parent")
	defer parent.Finish()
	ctx := ot.ContextWithSpan(context.Background(), parent)

	p := newConnPool(addr, TCP, poolConfig{maxConns: 1, dialAttempts: 1})
	conn, err := p.dial(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var found bool
	for _, span := range tracer.FinishedSpans() {
		if span.OperationName == "connect" {
			found = true
			break
		}
	}
	require.True(t, found, "expected connect span to be finished")
}

// TestRegistry_EvictIdleReachesPools verifies that the registry janitor hook drains idle
// connections of stream servers.
func TestRegistry_EvictIdleReachesPools(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newServer(TCP, answerA("10.0.0.1"))
	defer s.close()

	opts := clientOptions{pool: poolConfig{maxConns: 2, idleTimeout: time.Second, dialAttempts: 1}}
	r := NewRegistry(func(e ServerEntry) Client { return newClient(e, opts) })
	defer r.closeAll()
	e := s.entry(t, TransportTCP)
	require.True(t, r.Add(e))

	ups := r.snapshot()
	query, err := NewCodec(0).BuildQuery(testQuery, dns.TypeA)
	require.NoError(t, err)
	_, err = ups[0].client.Exchange(context.Background(), query)
	require.NoError(t, err)
	r.release(ups)

	sc := ups[0].client.(*streamClient)
	require.Equal(t, 1, sc.pool.Idle())
	r.evictIdle(time.Now().Add(time.Minute))
	require.Zero(t, sc.pool.Idle())
}
