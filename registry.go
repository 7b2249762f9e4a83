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
	"sync"
	"time"
)

// upstream binds a registered ServerEntry to its transport binding. Queries pin it
// through refs so that a removed upstream keeps serving the queries that already
// snapshotted it; the binding is closed when the last of them finishes.
type upstream struct {
	entry   ServerEntry
	client  Client
	refs    int  // guarded by Registry.mu
	removed bool // guarded by Registry.mu
}

// Registry is the thread-safe set of upstream servers keyed by ServerID.
type Registry struct {
	mu        sync.Mutex
	servers   map[ServerID]*upstream
	order     []ServerID
	newClient func(ServerEntry) Client
}

// NewRegistry creates an empty registry. newClient builds the transport binding of
// every added entry.
func NewRegistry(newClient func(ServerEntry) Client) *Registry {
	return &Registry{
		servers:   make(map[ServerID]*upstream),
		newClient: newClient,
	}
}

// Add inserts e, or replaces the registered entry with the same identity when it
// differs from e. It returns false when an identical entry is already registered.
func (r *Registry) Add(e ServerEntry) bool {
	e = e.canonical()
	id := e.ID()
	r.mu.Lock()
	old, exists := r.servers[id]
	if exists && old.entry == e {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	// Build the binding outside the lock, it may allocate transports.
	u := &upstream{entry: e, client: r.newClient(e)}

	r.mu.Lock()
	if cur, ok := r.servers[id]; ok && cur.entry == e {
		// Lost a race against an identical Add.
		r.mu.Unlock()
		_ = u.client.Close()
		return false
	}
	var retired *upstream
	if cur, ok := r.servers[id]; ok {
		retired = r.detachLocked(cur)
	} else {
		r.order = append(r.order, id)
	}
	r.servers[id] = u
	r.mu.Unlock()

	if retired != nil {
		_ = retired.client.Close()
	}
	return true
}

// Remove detaches the server with the given identity. In-flight queries that
// snapshotted it finish against it; new queries no longer target it.
func (r *Registry) Remove(id ServerID) bool {
	r.mu.Lock()
	u, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.servers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	retired := r.detachLocked(u)
	r.mu.Unlock()

	if retired != nil {
		_ = retired.client.Close()
	}
	return true
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Entries returns the registered entries in insertion order.
func (r *Registry) Entries() []ServerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.servers[id].entry)
	}
	return out
}

// snapshot pins and returns the current upstreams in insertion order. Every snapshot
// must be handed back to release.
func (r *Registry) snapshot() []*upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*upstream, 0, len(r.order))
	for _, id := range r.order {
		u := r.servers[id]
		u.refs++
		out = append(out, u)
	}
	return out
}

// release unpins a snapshot and closes bindings of removed upstreams nobody uses anymore.
func (r *Registry) release(ups []*upstream) {
	var retired []*upstream
	r.mu.Lock()
	for _, u := range ups {
		u.refs--
		if u.removed && u.refs == 0 {
			retired = append(retired, u)
		}
	}
	r.mu.Unlock()
	for _, u := range retired {
		_ = u.client.Close()
	}
}

// detachLocked marks u removed and returns it if it can be closed right away.
func (r *Registry) detachLocked(u *upstream) *upstream {
	u.removed = true
	if u.refs == 0 {
		return u
	}
	return nil
}

// evictIdle drops idle pooled connections older than their idle timeout.
func (r *Registry) evictIdle(now time.Time) {
	for _, u := range r.pooledClients() {
		if sc, ok := u.client.(*streamClient); ok {
			if n := sc.pool.Evict(now); n > 0 {
				log.Debugf("evicted %d idle connections to %s", n, u.entry)
			}
		}
	}
}

func (r *Registry) pooledClients() []*upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*upstream
	for _, id := range r.order {
		if u := r.servers[id]; u.entry.Kind.pooled() {
			out = append(out, u)
		}
	}
	return out
}

// closeAll removes every server. Bindings still pinned by queries are closed on release.
func (r *Registry) closeAll() {
	r.mu.Lock()
	var retired []*upstream
	for id, u := range r.servers {
		if ru := r.detachLocked(u); ru != nil {
			retired = append(retired, ru)
		}
		delete(r.servers, id)
	}
	r.order = nil
	r.mu.Unlock()
	for _, u := range retired {
		_ = u.client.Close()
	}
}
