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

// Package serverlist reads upstream server lists from YAML files.
//
//	timeout: 2s
//	servers:
//	  - 1.1.1.1
//	  - tls://9.9.9.9
//	  - https://dns.google/dns-query
//	  - address: 8.8.8.8
//	    port: 53
//	    transport: tcp
package serverlist

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	fanout "github.com/weiping/smartdns-with-geosite"
)

// File is the decoded server list.
type File struct {
	Timeout time.Duration `yaml:"timeout"`
	Servers []Server      `yaml:"servers"`
}

// Server is one list item, either a URL-like string or a mapping.
type Server struct {
	fanout.ServerEntry
}

type serverFields struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`
	Path      string `yaml:"path"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Server) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e, err := fanout.ParseServerEntry(value.Value, fanout.TransportUDP)
		if err != nil {
			return errors.Wrapf(err, "line %d", value.Line)
		}
		s.ServerEntry = e
		return nil
	}
	var sf serverFields
	if err := value.Decode(&sf); err != nil {
		return err
	}
	kind := fanout.TransportUDP
	if sf.Transport != "" {
		k, err := fanout.ParseTransportKind(sf.Transport)
		if err != nil {
			return errors.Wrapf(err, "line %d", value.Line)
		}
		kind = k
	}
	if sf.Port == 0 {
		sf.Port = kind.DefaultPort()
	}
	s.ServerEntry = fanout.ServerEntry{Address: sf.Address, Port: sf.Port, Kind: kind, Path: sf.Path}
	return errors.Wrapf(s.Validate(), "line %d", value.Line)
}

// Parse decodes a server list.
func Parse(data []byte) (*File, error) {
	f := new(File)
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(err, "invalid server list")
	}
	return f, nil
}

// Load reads and decodes the server list at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Entries returns the server entries in file order.
func (f *File) Entries() []fanout.ServerEntry {
	out := make([]fanout.ServerEntry, len(f.Servers))
	for i, s := range f.Servers {
		out[i] = s.ServerEntry
	}
	return out
}
