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
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coredns/coredns/plugin/test"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const testQuery = "example1."

// server is a plain DNS server bound to a random loopback port.
type server struct {
	addr  string
	inner *dns.Server
}

func (s *server) close() {
	_ = s.inner.Shutdown()
}

// entry returns the ServerEntry that reaches s over kind.
func (s *server) entry(t *testing.T, kind TransportKind) ServerEntry {
	t.Helper()
	host, port, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return ServerEntry{Address: host, Port: p, Kind: kind}
}

// newServer starts a DNS server for network (UDP, TCP or TCPTLS) that serves every request with f.
func newServer(network string, f dns.HandlerFunc) *server {
	return newTLSServer(network, nil, f)
}

func newTLSServer(network string, tlsCfg *tls.Config, f dns.HandlerFunc) *server {
	started := make(chan struct{})
	s := &dns.Server{
		Handler:           f,
		NotifyStartedFunc: func() { close(started) },
	}
	var addr string
	switch network {
	case UDP:
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			panic(err)
		}
		s.PacketConn = pc
		addr = pc.LocalAddr().String()
	case TCPTLS:
		l, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
		if err != nil {
			panic(err)
		}
		s.Listener = l
		addr = l.Addr().String()
	default:
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic(err)
		}
		s.Listener = l
		addr = l.Addr().String()
	}
	go func() {
		_ = s.ActivateAndServe()
	}()
	<-started
	return &server{addr: addr, inner: s}
}

// answerA replies with one A record of ip for the question.
func answerA(ip string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Answer = append(msg.Answer, test.A(r.Question[0].Name+" IN A "+ip))
		logErrIfNotNil(w.WriteMsg(msg))
	}
}

// answerAfter runs h once delay has passed, or drops the request when stop is closed first.
func answerAfter(delay time.Duration, stop <-chan struct{}, h dns.HandlerFunc) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		select {
		case <-time.After(delay):
			h(w, r)
		case <-stop:
		}
	}
}

// cachedDNSWriter records every message written to the client.
type cachedDNSWriter struct {
	answers []*dns.Msg
	mutex   sync.Mutex
	dns.ResponseWriter
}

func (w *cachedDNSWriter) WriteMsg(m *dns.Msg) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.answers = append(w.answers, m)
	return w.ResponseWriter.WriteMsg(m)
}

// fakeClient is an in-memory transport binding.
type fakeClient struct {
	endpoint string
	exchange func(ctx context.Context, query []byte) ([]byte, error)
	calls    atomic.Int32
	closed   atomic.Bool
}

func (c *fakeClient) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	c.calls.Add(1)
	return c.exchange(ctx, query)
}

func (c *fakeClient) Endpoint() string         { return c.endpoint }
func (c *fakeClient) Net() string              { return "fake" }
func (c *fakeClient) SetTLSConfig(*tls.Config) {}
func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

// replyA answers every query with an A record of ip.
func replyA(ip string) func(context.Context, []byte) ([]byte, error) {
	return func(_ context.Context, query []byte) ([]byte, error) {
		req := new(dns.Msg)
		if err := req.Unpack(query); err != nil {
			return nil, err
		}
		msg := new(dns.Msg)
		msg.SetReply(req)
		msg.Answer = append(msg.Answer, test.A(req.Question[0].Name+" IN A "+ip))
		return msg.Pack()
	}
}

// gated holds the exchange until gate is closed, then answers with reply.
func gated(gate <-chan struct{}, reply func(context.Context, []byte) ([]byte, error)) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, query []byte) ([]byte, error) {
		select {
		case <-gate:
			return reply(ctx, query)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// silent never answers.
func silent(ctx context.Context, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func fakeEntry(host string) ServerEntry {
	return ServerEntry{Address: host, Port: 53, Kind: TransportUDP}
}

// newFakeFanout returns an initialized Fanout whose bindings are looked up by server address.
func newFakeFanout(t *testing.T, cfg Config, clients map[string]*fakeClient) *Fanout {
	t.Helper()
	f := New(cfg)
	f.newClient = func(e ServerEntry) Client {
		c, ok := clients[e.Address]
		require.True(t, ok, "no fake client for %s", e.Address)
		return c
	}
	require.NoError(t, f.Init())
	for host := range clients {
		added, err := f.AddServer(fakeEntry(host))
		require.NoError(t, err)
		require.True(t, added)
	}
	return f
}

// recorder is a Subscriber that keeps every event and counts deliveries after END.
type recorder struct {
	mu     sync.Mutex
	events []Event
	late   int
	ended  bool
	end    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{end: make(chan struct{})}
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		r.late++
		return
	}
	r.events = append(r.events, ev)
	if ev.Kind == KindEnd {
		r.ended = true
		close(r.end)
	}
}

// wait blocks until END and returns the events received before it.
func (r *recorder) wait(t *testing.T, d time.Duration) []Event {
	t.Helper()
	select {
	case <-r.end:
	case <-time.After(d):
		t.Fatalf("no END within %s", d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, KindEnd, r.events[len(r.events)-1].Kind)
	return append([]Event(nil), r.events[:len(r.events)-1]...)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) lateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.late
}

func eventsOfKind(events []Event, k ResultKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func generateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func generateSelfSignedCertDER(key *rsa.PrivateKey) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	return x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
}

func pemEncode(der []byte, blockType string) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

// selfSignedTLS returns a server config with a fresh certificate for 127.0.0.1 and a
// client config that trusts it.
func selfSignedTLS(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()
	key, err := generateRSAKey()
	require.NoError(t, err)
	der, err := generateSelfSignedCertDER(key)
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(pemEncode(der, "CERTIFICATE"), pemEncode(x509.MarshalPKCS1PrivateKey(key), "RSA PRIVATE KEY"))
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(parsed)
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}
