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
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
	ot "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

var errCoordinatorClosed = errors.New("query coordinator is shut down")

// queryKey identifies coalescible lookups: lower-cased FQDN and record type.
type queryKey struct {
	name  string
	qtype uint16
}

func (k queryKey) String() string {
	return k.name + " " + dns.Type(k.qtype).String()
}

type outcomeState uint8

const (
	outcomeSent outcomeState = iota
	outcomeSucceeded
	outcomeFailed
	outcomeTimedOut
)

func (s outcomeState) String() string {
	switch s {
	case outcomeSent:
		return "sent"
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	case outcomeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// pendingOutcome is the per-server state of one query context. It leaves outcomeSent
// exactly once.
type pendingOutcome struct {
	server ServerEntry
	state  outcomeState
	raw    []byte
	msg    *dns.Msg
	err    error
}

type queryState uint8

const (
	queryRunning queryState = iota
	queryDone
)

// dispatchResult is what one per-server exchange reports back to the run loop.
type dispatchResult struct {
	index int
	raw   []byte
	msg   *dns.Msg
	err   error
}

// queryContext is one in-flight fan-out shared by every subscriber of the same queryKey.
type queryContext struct {
	key      queryKey
	deadline time.Time

	mu          sync.Mutex // protects subscribers, outcomes and state
	subscribers []Subscriber
	outcomes    []*pendingOutcome
	state       queryState

	results   chan dispatchResult
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

// join appends s if the context still accepts subscribers.
func (qc *queryContext) join(s Subscriber, now time.Time) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.state != queryRunning || !now.Before(qc.deadline) {
		return false
	}
	qc.subscribers = append(qc.subscribers, s)
	return true
}

func (qc *queryContext) cancel() {
	qc.abortOnce.Do(func() { close(qc.abort) })
}

// coordinator fans queries out to the registry's servers and streams the outcomes to
// subscribers. It owns every queryContext; inflight only indexes the running ones.
type coordinator struct {
	registry *Registry
	codec    Codec
	timeout  time.Duration

	mu       sync.Mutex // protects inflight and closed
	inflight map[queryKey]*queryContext
	closed   bool

	wg sync.WaitGroup
}

func newCoordinator(registry *Registry, codec Codec, timeout time.Duration) *coordinator {
	return &coordinator{
		registry: registry,
		codec:    codec,
		timeout:  timeout,
		inflight: make(map[queryKey]*queryContext),
	}
}

// startOrJoin subscribes s to the in-flight query for (name, qtype) or starts a new
// fan-out to every registered server. name must already be normalized.
func (c *coordinator) startOrJoin(name string, qtype uint16, s Subscriber) error {
	key := queryKey{name: name, qtype: qtype}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCoordinatorClosed
	}
	if qc, ok := c.inflight[key]; ok && qc.join(s, now) {
		CoalescedCount.Inc()
		return nil
	}

	query, err := c.codec.BuildQuery(name, qtype)
	if err != nil {
		return err
	}
	ups := c.registry.snapshot()
	qc := &queryContext{
		key:         key,
		deadline:    now.Add(c.timeout),
		subscribers: []Subscriber{s},
		outcomes:    make([]*pendingOutcome, len(ups)),
		results:     make(chan dispatchResult, len(ups)),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i, u := range ups {
		qc.outcomes[i] = &pendingOutcome{server: u.entry, state: outcomeSent}
	}
	c.inflight[key] = qc
	InflightQueries.Inc()

	c.wg.Add(1)
	go c.run(qc, ups, query)
	return nil
}

// run drives one query context from dispatch to END. It is the only goroutine that
// invokes the context's subscribers, which keeps per-subscriber delivery ordered.
func (c *coordinator) run(qc *queryContext, ups []*upstream, query []byte) {
	defer c.wg.Done()
	defer close(qc.done)
	defer c.registry.release(ups)

	span := ot.StartSpan("fanout")
	span.SetTag("query", qc.key.String())
	defer span.Finish()

	ctx, cancel := context.WithDeadline(context.Background(), qc.deadline)
	ctx = ot.ContextWithSpan(ctx, span)
	var dispatched sync.WaitGroup
	for i, u := range ups {
		dispatched.Add(1)
		go func(i int, u *upstream) {
			defer dispatched.Done()
			qc.results <- c.exchange(ctx, i, u, query)
		}(i, u)
	}

	timer := time.NewTimer(time.Until(qc.deadline))
	pending := len(ups)
	aborted := false
loop:
	for pending > 0 {
		select {
		case r := <-qc.results:
			pending--
			c.resolve(qc, r)
		case <-timer.C:
			break loop
		case <-qc.abort:
			aborted = true
			break loop
		}
	}
	timer.Stop()
	cancel()

	c.finish(qc, aborted)
	// results is buffered for every dispatch, so late exchanges never block.
	dispatched.Wait()
}

// exchange sends the query to one upstream and parses the answer.
func (c *coordinator) exchange(ctx context.Context, i int, u *upstream, query []byte) dispatchResult {
	raw, err := u.client.Exchange(ctx, query)
	if err != nil {
		return dispatchResult{index: i, err: classify(err, u.entry)}
	}
	msg, err := c.codec.ParseResponse(raw)
	if err != nil {
		return dispatchResult{index: i, raw: raw, err: errors.Wrapf(err, "bad response from %s", u.entry)}
	}
	if msg.Id != msgID(query) {
		return dispatchResult{index: i, raw: raw, err: errors.Wrapf(ErrFormat, "response id %d from %s does not match query", msg.Id, u.entry)}
	}
	return dispatchResult{index: i, raw: raw, msg: msg}
}

// resolve records one per-server outcome and delivers it to the current subscribers.
func (c *coordinator) resolve(qc *queryContext, r dispatchResult) {
	qc.mu.Lock()
	o := qc.outcomes[r.index]
	if o.state != outcomeSent {
		qc.mu.Unlock()
		return
	}
	switch {
	case r.err == nil:
		o.state = outcomeSucceeded
		o.raw, o.msg = r.raw, r.msg
	case errors.Is(r.err, ErrTimeout):
		o.state = outcomeTimedOut
		o.err = r.err
	default:
		o.state = outcomeFailed
		o.err = r.err
	}
	ev := outcomeEvent(qc.key, o)
	subs := slices.Clone(qc.subscribers)
	qc.mu.Unlock()

	to := o.server.Endpoint()
	OutcomeCount.WithLabelValues(o.state.String(), to).Inc()
	if o.msg != nil {
		RcodeCount.WithLabelValues(rcodeName(o.msg.Rcode), to).Add(1)
	} else {
		log.Debugf("%s via %s: %v", qc.key, o.server, o.err)
	}
	deliver(subs, ev)
}

// finish retires qc: outcomes still pending are forced to timed out and reported, then
// every subscriber receives END.
func (c *coordinator) finish(qc *queryContext, aborted bool) {
	c.mu.Lock()
	if c.inflight[qc.key] == qc {
		delete(c.inflight, qc.key)
	}
	c.mu.Unlock()
	InflightQueries.Dec()

	qc.mu.Lock()
	qc.state = queryDone
	var events []Event
	for _, o := range qc.outcomes {
		if o.state != outcomeSent {
			continue
		}
		o.state = outcomeTimedOut
		if aborted {
			o.err = errors.Wrapf(ErrTimeout, "%s: query aborted by shutdown", o.server)
		} else {
			o.err = errors.Wrapf(ErrTimeout, "%s: no response within %s", o.server, c.timeout)
		}
		OutcomeCount.WithLabelValues(o.state.String(), o.server.Endpoint()).Inc()
		events = append(events, outcomeEvent(qc.key, o))
	}
	subs := slices.Clone(qc.subscribers)
	qc.mu.Unlock()

	for _, ev := range events {
		deliver(subs, ev)
	}
	deliver(subs, Event{Domain: qc.key.name, QType: qc.key.qtype, Kind: KindEnd})
}

// close stops accepting queries, forces every in-flight context to finish and waits
// until all of them delivered END.
func (c *coordinator) close() {
	c.mu.Lock()
	c.closed = true
	running := make([]*queryContext, 0, len(c.inflight))
	for _, qc := range c.inflight {
		running = append(running, qc)
	}
	c.mu.Unlock()

	for _, qc := range running {
		qc.cancel()
	}
	c.wg.Wait()
}

// inflightCount returns the number of indexed query contexts.
func (c *coordinator) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func outcomeEvent(key queryKey, o *pendingOutcome) Event {
	ev := Event{Domain: key.name, QType: key.qtype, Server: o.server}
	if o.state == outcomeSucceeded {
		ev.Kind = KindResult
		ev.Msg = o.msg
		ev.Raw = o.raw
	} else {
		ev.Kind = KindError
		ev.Err = o.err
	}
	return ev
}

func rcodeName(rcode int) string {
	if rc, ok := dns.RcodeToString[rcode]; ok {
		return rc
	}
	return fmt.Sprint(rcode)
}
