// Copyright (c) 2020 Doc.ai and/or its affiliates.
// Copyright (c) 2026 Tom Gelhausen; contributors: various coding‑agents.
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
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Errors returned synchronously by the Fanout facade. No query is started when one of them is returned.
var (
	ErrAlreadyInitialized = errors.New("fanout already initialized")
	ErrNotInitialized     = errors.New("fanout not initialized")
	ErrInvalidDomain      = errors.New("invalid domain name")
	ErrInvalidQType       = errors.New("unsupported record type")
	ErrNilSubscriber      = errors.New("nil subscriber")
	ErrInvalidServer      = errors.New("invalid server entry")
)

// Config holds the knobs of a Fanout.
type Config struct {
	// Timeout bounds the lifetime of every query: servers that did not answer by then
	// are reported as timed out and END is delivered.
	Timeout time.Duration
	// MaxConnsPerServer caps live pooled connections per stream or HTTP server.
	MaxConnsPerServer int
	// IdleTimeout evicts pooled connections unused for longer than this.
	IdleTimeout time.Duration
	// DialAttempts bounds connection attempts per exchange for pooled transports.
	DialAttempts int
	// UDPSize is the EDNS0 buffer size advertised in queries and the UDP read buffer.
	UDPSize uint16
	// TLSConfig is the base TLS configuration of DoT, DoH, DoH3 and DoQ servers.
	TLSConfig *tls.Config
	// Codec overrides the wire codec.
	Codec Codec
}

// DefaultConfig returns the configuration used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Timeout:           defaultTimeout,
		MaxConnsPerServer: connPoolSize,
		IdleTimeout:       defaultIdleTime,
		DialAttempts:      defaultDialAttempts,
		UDPSize:           defaultUDPSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxConnsPerServer == 0 {
		c.MaxConnsPerServer = d.MaxConnsPerServer
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = d.DialAttempts
	}
	if c.UDPSize == 0 {
		c.UDPSize = d.UDPSize
	}
	if c.Codec == nil {
		c.Codec = NewCodec(c.UDPSize)
	}
	return c
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.Timeout < minTimeout || c.Timeout > maxTimeout {
		return errors.Errorf("timeout %s out of range [%s, %s]", c.Timeout, minTimeout, maxTimeout)
	}
	if c.MaxConnsPerServer < 1 || c.MaxConnsPerServer > maxConnPoolSize {
		return errors.Errorf("max connections per server %d out of range [1, %d]", c.MaxConnsPerServer, maxConnPoolSize)
	}
	if c.IdleTimeout < minIdleTime {
		return errors.Errorf("idle timeout %s is too small, minimum is %s", c.IdleTimeout, minIdleTime)
	}
	if c.DialAttempts < 1 || c.DialAttempts > maxDialAttempts {
		return errors.Errorf("dial attempts %d out of range [1, %d]", c.DialAttempts, maxDialAttempts)
	}
	return nil
}

func (c Config) clientOptions() clientOptions {
	return clientOptions{
		pool: poolConfig{
			maxConns:     c.MaxConnsPerServer,
			idleTimeout:  c.IdleTimeout,
			dialAttempts: c.DialAttempts,
		},
		udpSize:   c.UDPSize,
		tlsConfig: c.TLSConfig,
	}
}

// Fanout is the client facade: it owns the server registry and the query coordinator
// between Init and Exit. A Fanout may be initialized again after Exit.
type Fanout struct {
	cfg Config
	// newClient builds transport bindings; replaced in tests.
	newClient func(ServerEntry) Client

	mu       sync.RWMutex // protects registry, coord, stop and stopped
	registry *Registry
	coord    *coordinator
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a Fanout with cfg. Zero fields of cfg take their DefaultConfig value.
// The Fanout does not accept queries before Init.
func New(cfg Config) *Fanout {
	cfg = cfg.withDefaults()
	f := &Fanout{cfg: cfg}
	opts := cfg.clientOptions()
	f.newClient = func(e ServerEntry) Client { return newClient(e, opts) }
	return f
}

// Config returns the effective configuration.
func (f *Fanout) Config() Config {
	return f.cfg
}

// Init allocates a fresh registry and coordinator.
func (f *Fanout) Init() error {
	if err := f.cfg.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coord != nil {
		return ErrAlreadyInitialized
	}
	f.registry = NewRegistry(f.newClient)
	f.coord = newCoordinator(f.registry, f.cfg.Codec, f.cfg.Timeout)
	f.stop = make(chan struct{})
	f.stopped = make(chan struct{})
	go f.janitor(f.registry, f.stop, f.stopped)
	return nil
}

// Exit stops accepting queries, forces every in-flight query to finish (delivering END to
// all of its subscribers), closes all upstream connections and releases the state.
// No subscriber is invoked after Exit returns. Exit must not be called from a subscriber.
func (f *Fanout) Exit() {
	f.mu.Lock()
	coord, registry, stop, stopped := f.coord, f.registry, f.stop, f.stopped
	f.coord, f.registry, f.stop, f.stopped = nil, nil, nil, nil
	f.mu.Unlock()
	if coord == nil {
		return
	}
	coord.close()
	close(stop)
	<-stopped
	registry.closeAll()
}

// Query looks up domain/qtype on every registered server. sub receives one
// KindResult or KindError event per server and then KindEnd. Identical concurrent
// lookups share one fan-out; a subscriber that joins late only receives the
// outcomes that were still pending when it joined.
func (f *Fanout) Query(domain string, qtype uint16, sub Subscriber) error {
	name, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	if err = validateQType(qtype); err != nil {
		return err
	}
	if sub == nil {
		return ErrNilSubscriber
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.coord == nil {
		return ErrNotInitialized
	}
	if err = f.coord.startOrJoin(name, qtype, sub); err != nil {
		if errors.Is(err, errCoordinatorClosed) {
			return ErrNotInitialized
		}
		return err
	}
	return nil
}

// AddServer registers e. It returns false when an identical entry is already registered.
func (f *Fanout) AddServer(e ServerEntry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.registry == nil {
		return false, ErrNotInitialized
	}
	return f.registry.Add(e), nil
}

// RemoveServer unregisters the server with the given identity. Queries already
// dispatched to it still receive its outcome.
func (f *Fanout) RemoveServer(id ServerID) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.registry == nil {
		return false, ErrNotInitialized
	}
	return f.registry.Remove(id), nil
}

// ServerCount returns the number of registered servers, 0 when not initialized.
func (f *Fanout) ServerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.registry == nil {
		return 0
	}
	return f.registry.Count()
}

// Servers returns the registered entries in insertion order.
func (f *Fanout) Servers() []ServerEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.registry == nil {
		return nil
	}
	return f.registry.Entries()
}

// janitor periodically evicts idle pooled connections.
func (f *Fanout) janitor(r *Registry, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	t := time.NewTicker(f.cfg.IdleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			r.evictIdle(now)
		}
	}
}

// normalizeDomain lower-cases domain and makes it fully qualified.
func normalizeDomain(domain string) (string, error) {
	if domain == "" {
		return "", errors.Wrap(ErrInvalidDomain, "empty name")
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return "", errors.Wrapf(ErrInvalidDomain, "%q", domain)
	}
	return dns.Fqdn(strings.ToLower(domain)), nil
}

// validateQType accepts the data record types; meta and zone transfer types are rejected.
func validateQType(qtype uint16) error {
	switch qtype {
	case dns.TypeNone, dns.TypeOPT, dns.TypeAXFR, dns.TypeIXFR, dns.TypeMAILA, dns.TypeMAILB, dns.TypeTSIG, dns.TypeTKEY:
		return errors.Wrapf(ErrInvalidQType, "%s", dns.Type(qtype))
	}
	if _, ok := dns.TypeToString[qtype]; !ok {
		return errors.Wrapf(ErrInvalidQType, "%d", qtype)
	}
	return nil
}
