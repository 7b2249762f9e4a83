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
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/coredns/coredns/plugin"
	"github.com/coredns/coredns/plugin/dnstap"
	"github.com/coredns/coredns/plugin/metadata"
	"github.com/coredns/coredns/request"
	"github.com/miekg/dns"
	ot "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

var errNoAnswer = errors.New("no upstream answered")

// Forwarder is the smartdns plugin handler. It answers requests for names below From
// with the results streamed by its Fanout.
type Forwarder struct {
	From           string
	ExcludeDomains Domain
	// Race writes the first NOERROR answer without waiting for the other servers.
	Race      bool
	Servers   []ServerEntry
	Config    Config
	TapPlugin *dnstap.Dnstap
	Next      plugin.Handler

	net           string
	tlsConfig     *tls.Config
	tlsServerName string

	mu     sync.RWMutex // protects fanout
	fanout *Fanout
}

// NewForwarder returns a Forwarder with default settings.
func NewForwarder() *Forwarder {
	return &Forwarder{
		From:           ".",
		ExcludeDomains: NewDomain(),
		Config:         DefaultConfig(),
		net:            UDP,
		tlsConfig:      new(tls.Config),
	}
}

// Name implements plugin.Handler.
func (f *Forwarder) Name() string {
	return "smartdns"
}

// Fanout returns the running fanout, nil before OnStartup.
func (f *Forwarder) Fanout() *Fanout {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fanout
}

// OnStartup initializes the fanout and registers the configured servers.
func (f *Forwarder) OnStartup() error {
	fo := New(f.Config)
	if err := fo.Init(); err != nil {
		return err
	}
	for _, e := range f.Servers {
		if _, err := fo.AddServer(e); err != nil {
			fo.Exit()
			return err
		}
	}
	f.mu.Lock()
	old := f.fanout
	f.fanout = fo
	f.mu.Unlock()
	if old != nil {
		old.Exit()
	}
	return nil
}

// OnShutdown drains in-flight queries and closes all upstream connections.
func (f *Forwarder) OnShutdown() error {
	f.mu.Lock()
	fo := f.fanout
	f.fanout = nil
	f.mu.Unlock()
	if fo != nil {
		fo.Exit()
	}
	return nil
}

// ServeDNS implements plugin.Handler.
func (f *Forwarder) ServeDNS(ctx context.Context, w dns.ResponseWriter, m *dns.Msg) (int, error) {
	req := request.Request{W: w, Req: m}
	if !f.match(&req) {
		return plugin.NextOrFailure(f.Name(), f.Next, ctx, w, m)
	}
	fo := f.Fanout()
	if fo == nil {
		return dns.RcodeServerFailure, ErrNotInitialized
	}

	if span := ot.SpanFromContext(ctx); span != nil {
		child := span.Tracer().StartSpan("smartdns", ot.ChildOf(span.Context()))
		defer child.Finish()
	}

	col := newCollector(f.Race, f.tapper(&req))
	if err := fo.Query(req.Name(), req.QType(), col); err != nil {
		return dns.RcodeServerFailure, err
	}

	ret, from, err := col.wait(ctx)
	if err != nil {
		return dns.RcodeServerFailure, err
	}
	metadata.SetValueFunc(ctx, f.Name()+"/upstream", func() string {
		return from.Endpoint()
	})
	ret.Id = m.Id
	if !req.Match(ret) {
		formErr := new(dns.Msg)
		formErr.SetRcode(m, dns.RcodeFormatError)
		logErrIfNotNil(w.WriteMsg(formErr))
		return 0, nil
	}
	// Upstreams saw the normalized name; answer with the question as the client asked it.
	ret.Question = m.Question
	ret.Compress = true
	logErrIfNotNil(w.WriteMsg(ret))
	return 0, nil
}

// tapper returns the dnstap hook for req, nil without a dnstap plugin.
func (f *Forwarder) tapper(req *request.Request) func(Event) {
	if f.TapPlugin == nil {
		return nil
	}
	start := time.Now()
	return func(ev Event) {
		toDnstap(f.TapPlugin, ev.Server, req, ev.Msg, start)
	}
}

// match reports whether the request is forwarded. Upstreams are only asked IN class
// questions, other classes go to the next plugin.
func (f *Forwarder) match(state *request.Request) bool {
	if state.QClass() != dns.ClassINET {
		return false
	}
	if !plugin.Name(f.From).Matches(state.Name()) || f.ExcludeDomains.Contains(state.Name()) {
		return false
	}
	return true
}

// collector picks the answer written to the client from the streamed events.
type collector struct {
	race bool
	tap  func(Event)

	mu   sync.Mutex
	best *dns.Msg
	from ServerEntry
	rank int
	errs []error

	ready chan struct{}
	once  sync.Once
}

func newCollector(race bool, tap func(Event)) *collector {
	return &collector{race: race, tap: tap, ready: make(chan struct{})}
}

// OnEvent implements Subscriber.
func (c *collector) OnEvent(ev Event) {
	switch ev.Kind {
	case KindResult:
		if c.tap != nil {
			c.tap(ev)
		}
		rank := answerRank(ev.Msg)
		c.mu.Lock()
		if c.best == nil || rank > c.rank {
			c.best, c.from, c.rank = ev.Msg, ev.Server, rank
		}
		c.mu.Unlock()
		if c.race && ev.Msg.Rcode == dns.RcodeSuccess {
			c.signal()
		}
	case KindError:
		c.mu.Lock()
		c.errs = append(c.errs, ev.Err)
		c.mu.Unlock()
	case KindEnd:
		c.signal()
	}
}

func (c *collector) signal() {
	c.once.Do(func() { close(c.ready) })
}

// wait blocks until an answer is chosen or ctx is done. It returns a copy of the answer
// and the server that sent it.
func (c *collector) wait(ctx context.Context) (*dns.Msg, ServerEntry, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ServerEntry{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.best == nil {
		if len(c.errs) > 0 {
			return nil, ServerEntry{}, errors.Wrapf(errNoAnswer, "%d servers failed, first: %v", len(c.errs), c.errs[0])
		}
		return nil, ServerEntry{}, errNoAnswer
	}
	return c.best.Copy(), c.from, nil
}

// answerRank orders answers: NOERROR with records, NOERROR, NXDOMAIN, anything else.
func answerRank(m *dns.Msg) int {
	switch {
	case m.Rcode == dns.RcodeSuccess && len(m.Answer) > 0:
		return 3
	case m.Rcode == dns.RcodeSuccess:
		return 2
	case m.Rcode == dns.RcodeNameError:
		return 1
	}
	return 0
}
