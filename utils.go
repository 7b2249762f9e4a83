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
	"net"
	"time"

	"github.com/coredns/coredns/plugin/dnstap"
	"github.com/coredns/coredns/plugin/dnstap/msg"
	"github.com/coredns/coredns/request"

	tap "github.com/dnstap/golang-dnstap"
	"github.com/miekg/dns"
)

func logErrIfNotNil(err error) {
	if err == nil {
		return
	}
	log.Error(err)
}

// serverAddr returns the socket address of an upstream server for dnstap.
// The transport kind determines the returned address type (TCP vs UDP).
// Servers configured by host name have no IP and map to an unspecified address.
func serverAddr(e ServerEntry) net.Addr {
	ip := net.ParseIP(e.Address)
	switch e.Kind {
	case TransportTCP, TransportTLS, TransportHTTPS:
		return &net.TCPAddr{IP: ip, Port: e.Port}
	default:
		return &net.UDPAddr{IP: ip, Port: e.Port}
	}
}

// toDnstap mirrors one upstream exchange to the dnstap plugin: the forwarded query and,
// when reply is set, the response received from server.
func toDnstap(tapPlugin *dnstap.Dnstap, server ServerEntry, state *request.Request, reply *dns.Msg, start time.Time) {
	// Query
	q := new(tap.Message)
	msg.SetQueryTime(q, start)

	ta := serverAddr(server)
	logErrIfNotNil(msg.SetQueryAddress(q, ta))

	if tapPlugin.IncludeRawMessage {
		buf, _ := state.Req.Pack()
		q.QueryMessage = buf
	}
	msg.SetType(q, tap.Message_FORWARDER_QUERY)
	tapPlugin.TapMessage(q)

	// Response
	if reply != nil {
		r := new(tap.Message)

		if tapPlugin.IncludeRawMessage {
			buf, _ := reply.Pack()
			r.ResponseMessage = buf
		}
		msg.SetQueryTime(r, start)
		logErrIfNotNil(msg.SetQueryAddress(r, ta))
		msg.SetResponseTime(r, time.Now())
		msg.SetType(r, tap.Message_FORWARDER_RESPONSE)
		tapPlugin.TapMessage(r)
	}
}
