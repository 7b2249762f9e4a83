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

package main

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	fanout "github.com/weiping/smartdns-with-geosite"
)

func startServer(t *testing.T) (fanout.ServerEntry, func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	s := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			msg := new(dns.Msg)
			msg.SetReply(r)
			rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 10.0.0.1")
			msg.Answer = append(msg.Answer, rr)
			_ = w.WriteMsg(msg)
		}),
	}
	go func() { _ = s.ActivateAndServe() }()
	<-started
	return udpEntry(t, pc.LocalAddr().String()), func() { _ = s.Shutdown() }
}

func udpEntry(t *testing.T, addr string) fanout.ServerEntry {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return fanout.ServerEntry{Address: host, Port: p, Kind: fanout.TransportUDP}
}

// TestQuery_PrintsEveryEvent verifies that answers and failures are both printed and that
// only answers are counted.
func TestQuery_PrintsEveryEvent(t *testing.T) {
	defer goleak.VerifyNone(t)
	good, stop := startServer(t)
	defer stop()
	// a socket nobody reads from never answers
	mute, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = mute.Close() }()
	silent := udpEntry(t, mute.LocalAddr().String())

	cfg := fanout.DefaultConfig()
	cfg.Timeout = 300 * time.Millisecond
	f := fanout.New(cfg)
	require.NoError(t, f.Init())
	defer f.Exit()
	for _, e := range []fanout.ServerEntry{good, silent} {
		_, err = f.AddServer(e)
		require.NoError(t, err)
	}

	var out bytes.Buffer
	results, err := query(f, "example.org", dns.TypeA, &out)
	require.NoError(t, err)
	require.Equal(t, 1, results)
	require.Contains(t, out.String(), ";; NOERROR from "+good.String())
	require.Contains(t, out.String(), "example.org.\t60\tIN\tA\t10.0.0.1")
	require.Contains(t, out.String(), ";; error from "+silent.String())
}

func TestQuery_RejectsInvalidDomain(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := fanout.New(fanout.DefaultConfig())
	require.NoError(t, f.Init())
	defer f.Exit()

	var out bytes.Buffer
	_, err := query(f, "bad..name", dns.TypeA, &out)
	require.ErrorIs(t, err, fanout.ErrInvalidDomain)
	require.Empty(t, out.String())
}
