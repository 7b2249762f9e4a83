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
	"testing"

	"github.com/stretchr/testify/require"
)

func newFakeRegistry() (*Registry, map[ServerID][]*fakeClient) {
	built := map[ServerID][]*fakeClient{}
	r := NewRegistry(func(e ServerEntry) Client {
		c := &fakeClient{endpoint: e.Endpoint(), exchange: silent}
		built[e.ID()] = append(built[e.ID()], c)
		return c
	})
	return r, built
}

func TestRegistry_AddRemoveKeepsOrder(t *testing.T) {
	r, _ := newFakeRegistry()
	a, b, c := fakeEntry("10.0.0.1"), fakeEntry("10.0.0.2"), fakeEntry("10.0.0.3")
	require.True(t, r.Add(a))
	require.True(t, r.Add(b))
	require.True(t, r.Add(c))
	require.False(t, r.Add(b))
	require.Equal(t, 3, r.Count())
	require.Equal(t, []ServerEntry{a, b, c}, r.Entries())

	require.True(t, r.Remove(b.ID()))
	require.False(t, r.Remove(b.ID()))
	require.Equal(t, []ServerEntry{a, c}, r.Entries())

	require.True(t, r.Add(b))
	require.Equal(t, []ServerEntry{a, c, b}, r.Entries())
}

// TestRegistry_SameAddressDifferentKind verifies that the transport kind is part of the identity.
func TestRegistry_SameAddressDifferentKind(t *testing.T) {
	r, _ := newFakeRegistry()
	udp := fakeEntry("10.0.0.1")
	tcp := udp
	tcp.Kind = TransportTCP
	require.True(t, r.Add(udp))
	require.True(t, r.Add(tcp))
	require.Equal(t, 2, r.Count())
}

// TestRegistry_SnapshotPinsRemovedServer verifies that a removed server's binding is closed only
// after the last query that snapshotted it released it.
func TestRegistry_SnapshotPinsRemovedServer(t *testing.T) {
	r, built := newFakeRegistry()
	e := fakeEntry("10.0.0.1")
	require.True(t, r.Add(e))

	first := r.snapshot()
	second := r.snapshot()
	require.Len(t, first, 1)
	require.True(t, r.Remove(e.ID()))
	require.Empty(t, r.snapshot())

	client := built[e.ID()][0]
	require.False(t, client.closed.Load())
	r.release(first)
	require.False(t, client.closed.Load())
	r.release(second)
	require.True(t, client.closed.Load())
}

func TestRegistry_ReplaceClosesRetiredBinding(t *testing.T) {
	r, built := newFakeRegistry()
	e := ServerEntry{Address: "10.0.0.1", Port: 443, Kind: TransportHTTPS}
	require.True(t, r.Add(e))
	pinned := r.snapshot()

	e2 := e
	e2.Path = "/other"
	require.True(t, r.Add(e2))
	require.Equal(t, []ServerEntry{e2}, r.Entries())

	clients := built[e.ID()]
	require.Len(t, clients, 2)
	require.False(t, clients[0].closed.Load())
	r.release(pinned)
	require.True(t, clients[0].closed.Load())
	require.False(t, clients[1].closed.Load())
}

func TestRegistry_CloseAll(t *testing.T) {
	r, built := newFakeRegistry()
	a, b := fakeEntry("10.0.0.1"), fakeEntry("10.0.0.2")
	require.True(t, r.Add(a))
	require.True(t, r.Add(b))
	snap := r.snapshot()
	r.release(snap[1:])
	pinned := snap[:1]

	r.closeAll()
	require.Zero(t, r.Count())
	require.Empty(t, r.Entries())
	require.False(t, built[a.ID()][0].closed.Load())
	require.True(t, built[b.ID()][0].closed.Load())

	r.release(pinned)
	require.True(t, built[a.ID()][0].closed.Load())
}
