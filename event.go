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
	"net"
	"os"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrTimeout classifies an outcome where the server did not answer before the query deadline.
var ErrTimeout = errors.New("upstream timed out")

// ResultKind tags an Event.
type ResultKind uint8

const (
	// KindError reports a per-server failure or timeout.
	KindError ResultKind = iota
	// KindResult carries a parsed answer from one server.
	KindResult
	// KindEnd is the last event a subscriber receives for a query.
	KindEnd
)

func (k ResultKind) String() string {
	switch k {
	case KindError:
		return "ERROR"
	case KindResult:
		return "RESULT"
	case KindEnd:
		return "END"
	}
	return "UNKNOWN"
}

// Event is one notification delivered to a Subscriber.
//
// Server is set for KindError and KindResult. Msg and Raw are set for KindResult only;
// Err is set for KindError only. Msg is shared between all subscribers of a query
// and must be copied before it is modified.
type Event struct {
	Domain string
	QType  uint16
	Kind   ResultKind
	Server ServerEntry
	Msg    *dns.Msg
	Raw    []byte
	Err    error
}

// Timeout reports whether an error event was caused by a timeout.
func (e Event) Timeout() bool {
	return e.Kind == KindError && errors.Is(e.Err, ErrTimeout)
}

// Subscriber receives the events of a query: zero or more KindResult/KindError events
// followed by exactly one KindEnd. OnEvent may be called from any goroutine and must not
// block for long.
type Subscriber interface {
	OnEvent(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// OnEvent calls f(e).
func (f SubscriberFunc) OnEvent(e Event) {
	f(e)
}

// deliver hands ev to every subscriber in registration order. A panicking subscriber
// does not prevent delivery to the others.
func deliver(subs []Subscriber, ev Event) {
	for _, s := range subs {
		notify(s, ev)
	}
}

func notify(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("subscriber panicked on %s event for %s: %v", ev.Kind, ev.Domain, r)
		}
	}()
	s.OnEvent(ev)
}

// isTimeout reports whether err was caused by an expired deadline.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify wraps timeouts into ErrTimeout so that callers can rely on errors.Is.
func classify(err error, server ServerEntry) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) && !errors.Is(err, ErrTimeout) {
		return errors.Wrapf(ErrTimeout, "%s: %v", server, err)
	}
	return err
}
