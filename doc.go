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

// Package fanout - concurrent query dispatch to a set of upstream DNS servers.
//
// A Fanout owns a Registry of upstream servers and a coordinator that sends
// every lookup to all of them in parallel. Each server's answer is streamed to
// the subscribers of the lookup as it arrives, followed by exactly one END
// event once every server answered, failed or timed out. Concurrent identical
// lookups are coalesced into one upstream fan-out.
//
// Supported transport protocols:
//   - DNS/UDP (plain, default)
//   - DNS/TCP (plain, pooled connections)
//   - DoT  - DNS-over-TLS   (RFC 7858)  tls:// prefix or "tls" directive
//   - DoH  - DNS-over-HTTPS (RFC 8484)  https:// prefix (HTTP/2 transport)
//   - DoH3 - DNS-over-HTTPS (RFC 8484)  h3:// prefix   (HTTP/3 / QUIC transport, RFC 9114)
//   - DoQ  - DNS-over-QUIC  (RFC 9250)  quic:// prefix
//
// The package also registers the "smartdns" CoreDNS plugin which answers
// client requests from the streamed results.
package fanout
