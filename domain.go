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

import "strings"

// Domain is a trie of domain names keyed by labels in reverse order ("." -> "com" -> "example").
// A name is contained when it or one of its parents was added. Domain is not safe for
// concurrent modification; it is filled during setup and only read afterwards.
type Domain interface {
	Get(label string) Domain
	AddString(name string)
	Contains(name string) bool
	IsFinal() bool
}

type domain struct {
	children map[string]*domain
	final    bool
}

// NewDomain creates an empty Domain.
func NewDomain() Domain {
	return newDomainNode()
}

func newDomainNode() *domain {
	return &domain{children: make(map[string]*domain)}
}

// Get returns the child node for label or nil.
func (d *domain) Get(label string) Domain {
	if c, ok := d.children[strings.ToLower(label)]; ok {
		return c
	}
	return nil
}

// IsFinal reports whether the node terminates an added name.
func (d *domain) IsFinal() bool {
	return d.final
}

// AddString adds name. Names below an already added parent are not stored, and adding
// a parent drops its more specific children.
func (d *domain) AddString(name string) {
	if name == "" {
		return
	}
	curr := d
	for _, label := range reversedLabels(name) {
		if curr.final {
			return
		}
		next, ok := curr.children[label]
		if !ok {
			next = newDomainNode()
			curr.children[label] = next
		}
		curr = next
	}
	curr.final = true
	clear(curr.children)
}

// Contains reports whether name or one of its parents was added.
func (d *domain) Contains(name string) bool {
	curr := d
	for _, label := range reversedLabels(name) {
		next, ok := curr.children[label]
		if !ok {
			return false
		}
		if next.final {
			return true
		}
		curr = next
	}
	return false
}

// reversedLabels returns "." followed by the lower-cased labels of name from the top level down.
func reversedLabels(name string) []string {
	parts := strings.Split(strings.ToLower(name), ".")
	labels := make([]string, 1, len(parts)+1)
	labels[0] = "."
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			labels = append(labels, parts[i])
		}
	}
	return labels
}
