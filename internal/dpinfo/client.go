// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dpinfo is a debug-only generic netlink introspection shim: it
// lists the kernel's registered generic netlink families so an operator
// can confirm, before attaching, which XDP-related families and
// multicast groups a given kernel exposes. It talks raw genetlink
// instead of cilium/ebpf because link attachment failures are often
// kernel-config issues (no driver XDP support, no generic XDP, a
// disabled family) that are easier to diagnose one layer below the
// attach call itself.
package dpinfo

import (
	"sort"
	"strings"

	"github.com/mdlayher/genetlink"
)

// Family describes one generic netlink family registered with the
// kernel, trimmed to the fields useful for diagnosing XDP attach
// failures.
type Family struct {
	Name    string
	ID      uint16
	Version uint8
	Groups  []string
}

// Client is a thin wrapper over a generic netlink connection, used only
// to enumerate families; it holds no protocol-specific state the way
// ovsnl.Client does for Open vSwitch's datapath/vport/flow families.
type Client struct {
	c *genetlink.Conn
}

// New dials the kernel's generic netlink socket.
func New() (*Client, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Close releases the underlying netlink socket.
func (c *Client) Close() error {
	return c.c.Close()
}

// Families lists every generic netlink family the kernel has
// registered, sorted by name for stable debug output.
func (c *Client) Families() ([]Family, error) {
	raw, err := c.c.ListFamilies()
	if err != nil {
		return nil, err
	}

	out := make([]Family, 0, len(raw))
	for _, f := range raw {
		groups := make([]string, 0, len(f.Groups))
		for _, g := range f.Groups {
			groups = append(groups, g.Name)
		}
		out = append(out, Family{
			Name:    f.Name,
			ID:      f.ID,
			Version: f.Version,
			Groups:  groups,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HasFamilyPrefix reports whether any registered family's name starts
// with prefix - e.g. checking for "netdev" or a vendor-specific XDP
// offload family before relying on native-mode attach.
func (c *Client) HasFamilyPrefix(prefix string) (bool, error) {
	families, err := c.Families()
	if err != nil {
		return false, err
	}
	return anyFamilyHasPrefix(families, prefix), nil
}

func anyFamilyHasPrefix(families []Family, prefix string) bool {
	for _, f := range families {
		if strings.HasPrefix(f.Name, prefix) {
			return true
		}
	}
	return false
}
