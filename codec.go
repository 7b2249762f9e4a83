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
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrFormat is returned by Codec.ParseResponse for bytes that are not a DNS message.
var ErrFormat = errors.New("malformed DNS response")

// Codec builds query packets and parses raw responses.
type Codec interface {
	BuildQuery(domain string, qtype uint16) ([]byte, error)
	ParseResponse(raw []byte) (*dns.Msg, error)
}

// NewCodec returns the wire-format codec. Queries ask for recursion and advertise
// an EDNS0 buffer of udpSize bytes (no OPT record when udpSize is 0).
func NewCodec(udpSize uint16) Codec {
	return wireCodec{udpSize: udpSize}
}

type wireCodec struct {
	udpSize uint16
}

func (c wireCodec) BuildQuery(domain string, qtype uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true
	if c.udpSize > 0 {
		m.SetEdns0(c.udpSize, false)
	}
	buf, err := m.Pack()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pack query for %s", domain)
	}
	return buf, nil
}

func (c wireCodec) ParseResponse(raw []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, errors.Wrapf(ErrFormat, "%v", err)
	}
	if !m.Response {
		return nil, errors.Wrap(ErrFormat, "QR bit not set")
	}
	return m, nil
}

// msgID returns the transaction id of a packed message.
func msgID(buf []byte) uint16 {
	if len(buf) < 2 {
		return 0
	}
	return uint16(buf[0])<<8 | uint16(buf[1])
}

// setMsgID overwrites the transaction id of a packed message in place.
func setMsgID(buf []byte, id uint16) {
	if len(buf) < 2 {
		return
	}
	buf[0] = byte(id >> 8)
	buf[1] = byte(id)
}
