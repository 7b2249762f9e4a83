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

// Command smartdns-query sends one lookup to a set of upstream servers and prints every
// server's answer as it arrives.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	clog "github.com/coredns/coredns/plugin/pkg/log"
	"github.com/miekg/dns"

	fanout "github.com/weiping/smartdns-with-geosite"
	"github.com/weiping/smartdns-with-geosite/internal/serverlist"
)

type serverFlags []string

func (s *serverFlags) String() string     { return strings.Join(*s, ",") }
func (s *serverFlags) Set(v string) error { *s = append(*s, v); return nil }

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...] <domain>\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	var servers serverFlags
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	typeFlag := flag.String("type", "A", "The type of the query (A, AAAA, MX, TXT, ...)")
	listFlag := flag.String("servers", "", "YAML file listing the upstream servers")
	timeoutFlag := flag.Duration("timeout", 0, "Query deadline, overrides the server list")
	flag.Var(&servers, "server", "Upstream server (host[:port], tls://, https://, h3://, quic://); repeatable")
	flag.Parse()

	if *verboseFlag {
		clog.D.Set()
	}

	domain := strings.TrimSpace(flag.Arg(0))
	if domain == "" {
		flag.Usage()
		os.Exit(2)
	}
	qtype, ok := dns.StringToType[strings.ToUpper(*typeFlag)]
	if !ok {
		clog.Fatalf("Unknown query type %q", *typeFlag)
	}

	cfg := fanout.DefaultConfig()
	var entries []fanout.ServerEntry
	if *listFlag != "" {
		list, err := serverlist.Load(*listFlag)
		if err != nil {
			clog.Fatalf("Could not load server list: %v", err)
		}
		if list.Timeout > 0 {
			cfg.Timeout = list.Timeout
		}
		entries = append(entries, list.Entries()...)
	}
	for _, s := range servers {
		e, err := fanout.ParseServerEntry(s, fanout.TransportUDP)
		if err != nil {
			clog.Fatalf("Invalid server %q: %v", s, err)
		}
		entries = append(entries, e)
	}
	if *timeoutFlag > 0 {
		cfg.Timeout = *timeoutFlag
	}

	f := fanout.New(cfg)
	if err := f.Init(); err != nil {
		clog.Fatalf("Could not initialize: %v", err)
	}
	defer f.Exit()
	for _, e := range entries {
		if _, err := f.AddServer(e); err != nil {
			clog.Fatalf("Could not add server %s: %v", e, err)
		}
	}

	results, err := query(f, domain, qtype, os.Stdout)
	if err != nil {
		clog.Fatalf("Query failed: %v", err)
	}
	if results == 0 {
		f.Exit()
		os.Exit(1)
	}
}

// query runs one lookup on f, prints every event to out as it arrives and returns the
// number of servers that answered.
func query(f *fanout.Fanout, domain string, qtype uint16, out io.Writer) (int, error) {
	var wg sync.WaitGroup
	wg.Add(1)
	results := 0
	err := f.Query(domain, qtype, fanout.SubscriberFunc(func(ev fanout.Event) {
		switch ev.Kind {
		case fanout.KindResult:
			results++
			fmt.Fprintf(out, ";; %s from %s (%d bytes)\n%s\n", dns.RcodeToString[ev.Msg.Rcode], ev.Server, len(ev.Raw), answerText(ev.Msg))
		case fanout.KindError:
			fmt.Fprintf(out, ";; error from %s: %v\n", ev.Server, ev.Err)
		case fanout.KindEnd:
			wg.Done()
		}
	}))
	if err != nil {
		return 0, err
	}
	wg.Wait()
	return results, nil
}

func answerText(m *dns.Msg) string {
	var sb strings.Builder
	for _, rr := range m.Answer {
		sb.WriteString(rr.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
