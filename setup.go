// Copyright (c) 2020 Doc.ai and/or its affiliates.
//
// Copyright (c) 2024 MWS and/or its affiliates.
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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coredns/caddy"
	"github.com/coredns/caddy/caddyfile"
	"github.com/coredns/coredns/core/dnsserver"
	"github.com/coredns/coredns/plugin"
	"github.com/coredns/coredns/plugin/dnstap"
	clog "github.com/coredns/coredns/plugin/pkg/log"
	"github.com/coredns/coredns/plugin/pkg/parse"
	"github.com/coredns/coredns/plugin/pkg/tls"
	"github.com/coredns/coredns/plugin/pkg/transport"
	"github.com/pkg/errors"
)

var log = clog.NewWithPlugin("smartdns")

func init() {
	caddy.RegisterPlugin("smartdns", caddy.Plugin{
		ServerType: "dns",
		Action:     setup,
	})
}

func setup(c *caddy.Controller) error {
	f, err := parseForwarder(c)
	if err != nil {
		return plugin.Error("smartdns", err)
	}
	l := len(f.Servers)
	if l > maxIPCount {
		return plugin.Error("smartdns", errors.Errorf("more than %d TOs configured: %d", maxIPCount, l))
	}

	dnsserver.GetConfig(c).AddPlugin(func(next plugin.Handler) plugin.Handler {
		f.Next = next
		return f
	})

	c.OnStartup(func() error {
		if taph := dnsserver.GetConfig(c).Handler("dnstap"); taph != nil {
			if tapPlugin, ok := taph.(*dnstap.Dnstap); ok {
				f.TapPlugin = tapPlugin
			}
		}
		return f.OnStartup()
	})
	c.OnShutdown(f.OnShutdown)

	return nil
}

func parseForwarder(c *caddy.Controller) (*Forwarder, error) {
	var (
		f   *Forwarder
		err error
		i   int
	)
	for c.Next() {
		if i > 0 {
			return nil, plugin.ErrOnce
		}
		i++
		f, err = parseForwarderStanza(&c.Dispenser)
		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

func parseForwarderStanza(c *caddyfile.Dispenser) (*Forwarder, error) {
	f := NewForwarder()
	if !c.Args(&f.From) {
		return f, c.ArgErr()
	}

	normalized := plugin.Host(f.From).NormalizeExact()
	if len(normalized) == 0 {
		return nil, errors.Errorf("unable to normalize '%s'", f.From)
	}
	f.From = normalized[0]

	to := c.RemainingArgs()
	if len(to) == 0 {
		return f, c.ArgErr()
	}

	// Separate scheme-prefixed upstreams from plain host entries.
	// Scheme prefixes: https:// -> DoH (HTTP/2), h3:// -> DoH3 (HTTP/3), quic:// -> DoQ (RFC 9250).
	var schemed []string
	var plainHosts []string
	for _, t := range to {
		lower := strings.ToLower(t)
		switch {
		case strings.HasPrefix(lower, "h3://"), strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "quic://"):
			schemed = append(schemed, t)
		default:
			plainHosts = append(plainHosts, t)
		}
	}

	// Parse non-URL hosts through the standard host/port/file resolver.
	var toHosts []string
	if len(plainHosts) > 0 {
		var err error
		toHosts, err = parse.HostPortOrFile(plainHosts...)
		if err != nil {
			return f, err
		}
	}

	for c.NextBlock() {
		err := parseValue(strings.ToLower(c.Val()), f, c)
		if err != nil {
			return nil, err
		}
	}
	if err := initServers(f, toHosts, schemed); err != nil {
		return nil, err
	}
	if err := f.Config.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

// initServers turns the parsed upstream list into server entries and finalizes the TLS settings.
func initServers(f *Forwarder, hosts, schemed []string) error {
	defaultKind, err := ParseTransportKind(f.net)
	if err != nil {
		return err
	}
	for _, host := range hosts {
		trans, h := parse.Transport(host)
		kind := defaultKind
		if trans == transport.TLS {
			kind = TransportTLS
		}
		e, err := ParseServerEntry(h, kind)
		if err != nil {
			return err
		}
		f.Servers = append(f.Servers, e)
	}
	for _, u := range schemed {
		e, err := ParseServerEntry(u, defaultKind)
		if err != nil {
			return err
		}
		f.Servers = append(f.Servers, e)
	}

	f.tlsConfig.ServerName = f.tlsServerName
	f.Config.TLSConfig = f.tlsConfig
	return nil
}

func parseValue(v string, f *Forwarder, c *caddyfile.Dispenser) error {
	switch v {
	case "tls":
		return parseTLS(f, c)
	case "network":
		return parseProtocol(f, c)
	case "tls-server":
		return parseTLSServer(f, c)
	case "timeout":
		return parseTimeout(f, c)
	case "idle-timeout":
		return parseIdleTimeout(f, c)
	case "max-conns":
		num, err := parsePositiveInt(c)
		f.Config.MaxConnsPerServer = num
		return err
	case "race":
		return parseRace(f, c)
	case "except":
		return parseIgnored(f, c)
	case "except-file":
		return parseIgnoredFromFile(f, c)
	case "attempt-count":
		num, err := parsePositiveInt(c)
		f.Config.DialAttempts = num
		return err
	default:
		return errors.Errorf("unknown property %v", v)
	}
}

func parseTimeout(f *Forwarder, c *caddyfile.Dispenser) error {
	d, err := parseDuration(c)
	if err != nil {
		return err
	}
	if d < minTimeout {
		return errors.Errorf("timeout %s is too small, minimum is %s", d, minTimeout)
	}
	if d > maxTimeout {
		return errors.Errorf("timeout %s is too large, maximum is %s", d, maxTimeout)
	}
	f.Config.Timeout = d
	return nil
}

func parseIdleTimeout(f *Forwarder, c *caddyfile.Dispenser) error {
	d, err := parseDuration(c)
	if err != nil {
		return err
	}
	if d < minIdleTime {
		return errors.Errorf("idle-timeout %s is too small, minimum is %s", d, minIdleTime)
	}
	f.Config.IdleTimeout = d
	return nil
}

func parseDuration(c *caddyfile.Dispenser) (time.Duration, error) {
	if !c.NextArg() {
		return 0, c.ArgErr()
	}
	return time.ParseDuration(c.Val())
}

func parseRace(f *Forwarder, c *caddyfile.Dispenser) error {
	if c.NextArg() {
		return c.ArgErr()
	}
	f.Race = true
	return nil
}

func parseIgnoredFromFile(f *Forwarder, c *caddyfile.Dispenser) error {
	args := c.RemainingArgs()
	if len(args) != 1 {
		return c.ArgErr()
	}
	cleanPath := filepath.Clean(args[0])
	if !filepath.IsAbs(cleanPath) && !filepath.IsLocal(cleanPath) {
		return errors.Errorf("path must be local: %q", args[0])
	}
	readPath := cleanPath
	if !filepath.IsAbs(cleanPath) {
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}
		readPath = filepath.Join(workDir, cleanPath)
	}
	b, err := os.ReadFile(readPath)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		normalized := plugin.Host(name).NormalizeExact()
		if len(normalized) == 0 {
			return errors.Errorf("unable to normalize '%s'", name)
		}
		f.ExcludeDomains.AddString(normalized[0])
	}
	return nil
}

func parseIgnored(f *Forwarder, c *caddyfile.Dispenser) error {
	ignore := c.RemainingArgs()
	if len(ignore) == 0 {
		return c.ArgErr()
	}
	for i := 0; i < len(ignore); i++ {
		normalized := plugin.Host(ignore[i]).NormalizeExact()
		if len(normalized) == 0 {
			return errors.Errorf("unable to normalize '%s'", ignore[i])
		}
		f.ExcludeDomains.AddString(normalized[0])
	}
	return nil
}

func parsePositiveInt(c *caddyfile.Dispenser) (int, error) {
	if !c.NextArg() {
		return -1, c.ArgErr()
	}
	v := c.Val()
	num, err := strconv.Atoi(v)
	if err != nil {
		return -1, c.ArgErr()
	}
	if num <= 0 {
		return -1, c.ArgErr()
	}
	return num, nil
}

func parseTLSServer(f *Forwarder, c *caddyfile.Dispenser) error {
	if !c.NextArg() {
		return c.ArgErr()
	}
	f.tlsServerName = c.Val()
	return nil
}

func parseProtocol(f *Forwarder, c *caddyfile.Dispenser) error {
	if !c.NextArg() {
		return c.ArgErr()
	}
	net := strings.ToLower(c.Val())
	if net != TCP && net != UDP && net != TCPTLS {
		return errors.New("unknown network protocol")
	}
	f.net = net
	return nil
}

func parseTLS(f *Forwarder, c *caddyfile.Dispenser) error {
	args := c.RemainingArgs()
	if len(args) > 3 {
		return c.ArgErr()
	}

	tlsConfig, err := tls.NewTLSConfigFromArgs(args...)
	if err != nil {
		return err
	}
	f.tlsConfig = tlsConfig
	return nil
}
