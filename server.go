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
	"net/url"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// TransportKind selects how a query/response exchange is carried to an upstream server.
type TransportKind uint8

const (
	// TransportUDP is plain DNS over datagrams.
	TransportUDP TransportKind = iota
	// TransportTCP is plain DNS over a persistent stream.
	TransportTCP
	// TransportHTTPS is DNS-over-HTTPS over HTTP/2 (RFC 8484).
	TransportHTTPS
	// TransportTLS is DNS-over-TLS (RFC 7858).
	TransportTLS
	// TransportHTTP3 is DNS-over-HTTPS over HTTP/3.
	TransportHTTP3
	// TransportQUIC is DNS-over-QUIC (RFC 9250).
	TransportQUIC
)

var kindNames = map[TransportKind]string{
	TransportUDP:   UDP,
	TransportTCP:   TCP,
	TransportHTTPS: DOH,
	TransportTLS:   TCPTLS,
	TransportHTTP3: DOH3,
	TransportQUIC:  DOQ,
}

// String returns the network name used in metrics, logs and Client.Net.
func (k TransportKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// ParseTransportKind maps a network name ("udp", "tcp", "tcp-tls", "tls", "doh", "https", "doh3", "h3", "doq", "quic")
// to its TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(s) {
	case UDP, "dns":
		return TransportUDP, nil
	case TCP:
		return TransportTCP, nil
	case TCPTLS, "tls", "dot":
		return TransportTLS, nil
	case DOH, "https":
		return TransportHTTPS, nil
	case DOH3, "h3":
		return TransportHTTP3, nil
	case DOQ, "quic":
		return TransportQUIC, nil
	}
	return 0, errors.Errorf("unknown transport kind %q", s)
}

// DefaultPort returns the well-known port of the transport.
func (k TransportKind) DefaultPort() int {
	switch k {
	case TransportTLS, TransportQUIC:
		return 853
	case TransportHTTPS, TransportHTTP3:
		return 443
	default:
		return 53
	}
}

// pooled reports whether exchanges of this kind go through the stream connection pool.
func (k TransportKind) pooled() bool {
	return k == TransportTCP || k == TransportTLS
}

func (k TransportKind) httpBased() bool {
	return k == TransportHTTPS || k == TransportHTTP3
}

// ServerID is the identity of an upstream server. Two entries with the same ServerID
// are the same server.
type ServerID struct {
	Address string
	Port    int
	Kind    TransportKind
}

func (id ServerID) String() string {
	return id.Kind.String() + "://" + net.JoinHostPort(id.Address, strconv.Itoa(id.Port))
}

// ServerEntry describes one configured upstream server. Entries are immutable values;
// reconfiguration replaces them wholesale.
type ServerEntry struct {
	Address string
	Port    int
	Kind    TransportKind
	// Path is the HTTP request path for DoH/DoH3 servers. It is not part of the identity.
	Path string
}

// ID returns the identity of the entry. Host names compare case-insensitively.
func (e ServerEntry) ID() ServerID {
	return ServerID{Address: strings.ToLower(e.Address), Port: e.Port, Kind: e.Kind}
}

// canonical returns e with the host name lower-cased.
func (e ServerEntry) canonical() ServerEntry {
	e.Address = strings.ToLower(e.Address)
	return e
}

// HostPort returns the dialable host:port of the server.
func (e ServerEntry) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// URL returns the request URL for HTTP based kinds.
func (e ServerEntry) URL() string {
	p := e.Path
	if p == "" {
		p = defaultHTTPPath
	}
	u := url.URL{Scheme: "https", Host: e.HostPort(), Path: p}
	return u.String()
}

// Endpoint returns the address string the server is reached at: a URL for DoH/DoH3, host:port otherwise.
func (e ServerEntry) Endpoint() string {
	if e.Kind.httpBased() {
		return e.URL()
	}
	return e.HostPort()
}

func (e ServerEntry) String() string {
	return e.Kind.String() + "://" + e.HostPort()
}

// Validate checks that the entry can be dialed.
func (e ServerEntry) Validate() error {
	if e.Address == "" {
		return errors.Wrap(ErrInvalidServer, "empty address")
	}
	if net.ParseIP(e.Address) == nil {
		if _, ok := dns.IsDomainName(e.Address); !ok {
			return errors.Wrapf(ErrInvalidServer, "bad address %q", e.Address)
		}
	}
	if e.Port <= 0 || e.Port > 65535 {
		return errors.Wrapf(ErrInvalidServer, "bad port %d", e.Port)
	}
	if _, ok := kindNames[e.Kind]; !ok {
		return errors.Wrapf(ErrInvalidServer, "bad transport kind %d", e.Kind)
	}
	if e.Path != "" && !strings.HasPrefix(e.Path, "/") {
		return errors.Wrapf(ErrInvalidServer, "path %q must start with /", e.Path)
	}
	return nil
}

// ParseServerEntry parses an upstream address. Accepted forms are
// host[:port] (using defaultKind), dns://host[:port], tcp://, tls://host[:port],
// https://host[:port][/path], h3://host[:port][/path] and quic://host[:port].
func ParseServerEntry(s string, defaultKind TransportKind) (ServerEntry, error) {
	kind := defaultKind
	rest := s
	if i := strings.Index(s, "://"); i >= 0 {
		k, err := ParseTransportKind(s[:i])
		if err != nil {
			return ServerEntry{}, errors.Wrapf(ErrInvalidServer, "%q: %v", s, err)
		}
		kind = k
		rest = s[i+3:]
	}

	var path string
	if kind.httpBased() {
		if i := strings.Index(rest, "/"); i >= 0 {
			path = rest[i:]
			rest = rest[:i]
		}
	}

	host, portStr, err := net.SplitHostPort(rest)
	port := kind.DefaultPort()
	if err != nil {
		host = strings.Trim(rest, "[]")
	} else {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return ServerEntry{}, errors.Wrapf(ErrInvalidServer, "bad port in %q", s)
		}
	}
	e := ServerEntry{Address: host, Port: port, Kind: kind, Path: path}.canonical()
	return e, e.Validate()
}
