// Package fastpath is a Go reference implementation of the per-packet fast
// path: classification, connection-state tracking, backend selection and
// rewrite. It exists to pin down the exact algorithm the compiled XDP
// program implements in C/BPF and to give that algorithm a place to be
// unit tested; internal/ebpfmgr is what actually loads and attaches the
// compiled program in production.
package fastpath

import (
	"net/netip"

	"github.com/xlb-io/xlb/internal/flowdata"
)

// ShouldProcess implements the classifier: it decides whether this fast
// path should touch a packet at all and, if so, which direction and
// port-mapping slot it matches. ok is false for anything outside this
// load balancer's configured IP version, protocol or port set - such
// packets must pass through completely untouched.
func ShouldProcess(cfg flowdata.EbpfConfig, ipVer flowdata.IPVersion, proto flowdata.Proto, dstIP netip.Addr, srcPort, dstPort uint16) (flowdata.FlowDirection, flowdata.PortMapping, bool) {
	if ipVer != cfg.IPVer || proto != cfg.Proto {
		return 0, flowdata.PortMapping{}, false
	}

	for _, m := range cfg.PortMappings {
		if m.LocalPort == 0 && m.RemotePort == 0 {
			continue
		}
		switch {
		case dstPort == m.LocalPort:
			// Candidate ToServer. The packet must also be addressed to
			// this load balancer's own service IP, or it belongs to some
			// other service sharing the host and must pass through.
			if dstIP != cfg.IPAddr {
				return 0, flowdata.PortMapping{}, false
			}
			return flowdata.ToServer, m, true
		case srcPort == m.RemotePort:
			return flowdata.ToClient, m, true
		}
	}

	return 0, flowdata.PortMapping{}, false
}
