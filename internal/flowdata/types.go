// Package flowdata holds the plain-data record layouts shared by the fast
// path and userspace: PortMapping, Backend, Flow, FlowKey and EbpfConfig.
// These are the Go-side mirror of the kernel map value types. They use
// Go-friendly field types (netip.Addr, bool); the fixed-width, kernel-visible
// layout of each lives in internal/ebpfmgr's wire types.
package flowdata

import "net/netip"

// MaxPortMappings is the fixed capacity of an EbpfConfig's port map array.
// The fast path's port-map scan loop (classifier) has this as a compile-time
// upper bound.
const MaxPortMappings = 8

// IPVersion identifies whether an address field should be interpreted as
// IPv4 (low 32 bits of the 128-bit field) or IPv6.
type IPVersion uint8

// IPVersion values. Tagged with an explicit 1-byte discriminant since this
// enum crosses the kernel/userspace boundary.
const (
	IPv4 IPVersion = iota
	IPv6
)

func (v IPVersion) String() string {
	if v == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Proto identifies the L4 protocol a config or flow applies to.
type Proto uint8

// Proto values.
const (
	ProtoTCP Proto = iota
	ProtoUDP
)

func (p Proto) String() string {
	if p == ProtoUDP {
		return "udp"
	}
	return "tcp"
}

// RoutingMode selects how return traffic is handled.
type RoutingMode uint8

// RoutingMode values. Only Nat is implemented on the forwarding path; Dsr
// is accepted in config and rejected at startup (see internal/config).
const (
	RoutingModeNat RoutingMode = iota
	RoutingModeDsr
)

func (m RoutingMode) String() string {
	if m == RoutingModeDsr {
		return "dsr"
	}
	return "nat"
}

// Strategy selects the backend selection algorithm. Only RoundRobin is
// implemented; the slot exists for future strategies the way the original
// enum reserved LeastConns/Adaptive variants.
type Strategy uint8

// Strategy values.
const (
	StrategyRoundRobin Strategy = iota
)

// PortMapping pairs a local (LB-facing) port with the corresponding port on
// the backend. Up to MaxPortMappings entries may be configured; all must be
// distinct and nonzero.
type PortMapping struct {
	LocalPort  uint16
	RemotePort uint16
}

// FlowDirection identifies which way a Flow's recipe rewrites a packet.
type FlowDirection uint8

// FlowDirection values.
const (
	// ToServer flows carry client -> backend traffic.
	ToServer FlowDirection = iota
	// ToClient flows carry backend -> client traffic.
	ToClient
)

func (d FlowDirection) String() string {
	if d == ToClient {
		return "to_client"
	}
	return "to_server"
}

// Backend is a selectable destination in the dense-prefix backend table.
// A zero IP marks an empty slot; the maintenance loop maintains the
// dense-prefix invariant (valid entries occupy [0,N), N recomputed each
// tick) and zeroes trailing slots.
type Backend struct {
	IP              netip.Addr
	IPVer           IPVersion
	SrcIfaceIP      netip.Addr
	SrcIfaceMAC     [6]byte
	NextHopMAC      [6]byte
	SrcIfaceIfindex uint16
	Conns           uint16
	BytesTransfer   uint64
}

// Empty reports whether this backend slot is the dense-prefix sentinel.
func (b Backend) Empty() bool {
	return !b.IP.IsValid() || b.IP.IsUnspecified()
}

// FlowKey identifies one direction of one connection: an IP and a port.
// ToServer keys are (client_ip, client_src_port); ToClient keys are
// (backend_ip, lb_ephemeral_port).
type FlowKey struct {
	IP   netip.Addr
	Port uint16
}

// Flow is the rewrite recipe for one direction of one connection, plus the
// liveness and closure bookkeeping the maintenance loop reads.
type Flow struct {
	Direction FlowDirection
	ClientIP  netip.Addr
	BackendIP netip.Addr

	// Rewrite outputs, applied verbatim to a matched packet.
	SrcIP       netip.Addr
	DstIP       netip.Addr
	SrcPort     uint16
	DstPort     uint16
	SrcMAC      [6]byte
	DstMAC      [6]byte
	SrcIfaceIdx uint16

	// Liveness counters.
	BytesTransfer   uint64
	PacketsTransfer uint64
	CreatedAtNs     uint64
	LastSeenNs      uint64

	// Closure state.
	Fin        bool
	FinIsSrc   bool
	FinBothNs  uint64
	RstNs      uint64
	RstIsSrc   bool

	// CounterFlowKeyHash is the 64-bit hash of the sibling (opposite
	// direction) flow's key, so one side's FIN/RST can mark the other
	// without either side owning a pointer to it.
	CounterFlowKeyHash uint64
}

// Active reports whether the flow is still live: neither side has closed
// with FIN nor has either side reset.
func (f *Flow) Active() bool {
	return f.FinBothNs == 0 && f.RstNs == 0
}

// EbpfConfig is the kernel-visible control block: written once at startup
// and again only to flip Shutdown.
type EbpfConfig struct {
	Mode         RoutingMode
	Strategy     Strategy
	IPAddr       netip.Addr
	IPVer        IPVersion
	Proto        Proto
	Shutdown     bool
	PortMappings [MaxPortMappings]PortMapping
}
