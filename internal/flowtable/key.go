package flowtable

import (
	"encoding/binary"
	"hash/fnv"
	"net/netip"

	"github.com/xlb-io/xlb/internal/flowdata"
)

// ServerKey builds the FlowKey seen on the client -> LB packet: the
// client's IP and source port.
func ServerKey(clientIP netip.Addr, clientSrcPort uint16) flowdata.FlowKey {
	return flowdata.FlowKey{IP: clientIP, Port: clientSrcPort}
}

// ClientKey builds the FlowKey seen on the backend -> LB packet: the
// backend's IP and the LB's ephemeral port.
func ClientKey(backendIP netip.Addr, ephemeralPort uint16) flowdata.FlowKey {
	return flowdata.FlowKey{IP: backendIP, Port: ephemeralPort}
}

// Hash64 computes the 64-bit fingerprint used as the actual map key for a
// FlowKey. This is a FlowKey-derived fingerprint, not an identity-preserving
// hash: the design accepts collisions at the hash level as astronomically
// rare for realistic flow counts, and (per this rewrite's resolution of the
// "should we verify" open question) the full FlowKey is stored alongside
// the hash in Table so a collision is detected rather than silently
// misrouting a packet.
func Hash64(k flowdata.FlowKey) uint64 {
	h := fnv.New64a()

	ip := k.IP.As16()
	_, _ = h.Write(ip[:])

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], k.Port)
	_, _ = h.Write(portBuf[:])

	return h.Sum64()
}
