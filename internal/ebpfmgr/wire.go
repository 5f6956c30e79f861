// Package ebpfmgr loads the compiled XDP program and talks to its maps
// through github.com/cilium/ebpf. internal/flowdata's types are the
// Go-ergonomic mirror used by the fastpath reference implementation and
// the maintenance loop; this file defines the actual wire layout cilium/ebpf
// marshals to and from map memory, which must be fixed-width, padding-free
// plain-old-data (no netip.Addr, no bool, no Go-sized int) to match the C
// struct definitions the kernel side compiles against.
package ebpfmgr

import (
	"net/netip"

	"github.com/xlb-io/xlb/internal/flowdata"
)

// wirePortMapping mirrors flowdata.PortMapping bit for bit.
type wirePortMapping struct {
	LocalPort  uint16
	RemotePort uint16
}

// wireConfig mirrors flowdata.EbpfConfig field for field. IP addresses are
// stored as 16 bytes (IPv4 in the low 4, per spec.md §3) so the layout is
// identical regardless of IPVer.
type wireConfig struct {
	Mode         uint8
	Strategy     uint8
	IPVer        uint8
	Proto        uint8
	Shutdown     uint8
	_            [3]uint8 // padding to keep IPAddr 8-byte aligned
	IPAddr       [16]byte
	PortMappings [flowdata.MaxPortMappings]wirePortMapping
}

func toWireConfig(cfg flowdata.EbpfConfig) wireConfig {
	var w wireConfig
	w.Mode = uint8(cfg.Mode)
	w.Strategy = uint8(cfg.Strategy)
	w.IPVer = uint8(cfg.IPVer)
	w.Proto = uint8(cfg.Proto)
	w.Shutdown = boolToU8(cfg.Shutdown)
	w.IPAddr = cfg.IPAddr.As16()
	for i, pm := range cfg.PortMappings {
		w.PortMappings[i] = wirePortMapping{LocalPort: pm.LocalPort, RemotePort: pm.RemotePort}
	}
	return w
}

func fromWireConfig(w wireConfig) flowdata.EbpfConfig {
	cfg := flowdata.EbpfConfig{
		Mode:     flowdata.RoutingMode(w.Mode),
		Strategy: flowdata.Strategy(w.Strategy),
		IPAddr:   netip.AddrFrom16(w.IPAddr).Unmap(),
		IPVer:    flowdata.IPVersion(w.IPVer),
		Proto:    flowdata.Proto(w.Proto),
		Shutdown: w.Shutdown != 0,
	}
	for i, pm := range w.PortMappings {
		cfg.PortMappings[i] = flowdata.PortMapping{LocalPort: pm.LocalPort, RemotePort: pm.RemotePort}
	}
	return cfg
}

// wireBackend mirrors flowdata.Backend field for field.
type wireBackend struct {
	IP              [16]byte
	IPVer           uint8
	_               [1]uint8
	SrcIfaceIfindex uint16
	Conns           uint16
	_               [2]uint8
	SrcIfaceIP      [16]byte
	SrcIfaceMAC     [6]byte
	NextHopMAC      [6]byte
	_               [4]uint8
	BytesTransfer   uint64
}

func toWireBackend(b flowdata.Backend) wireBackend {
	var w wireBackend
	if b.IP.IsValid() {
		w.IP = b.IP.As16()
	}
	w.IPVer = uint8(b.IPVer)
	w.SrcIfaceIfindex = b.SrcIfaceIfindex
	w.Conns = b.Conns
	if b.SrcIfaceIP.IsValid() {
		w.SrcIfaceIP = b.SrcIfaceIP.As16()
	}
	w.SrcIfaceMAC = b.SrcIfaceMAC
	w.NextHopMAC = b.NextHopMAC
	w.BytesTransfer = b.BytesTransfer
	return w
}

func fromWireBackend(w wireBackend) flowdata.Backend {
	return flowdata.Backend{
		IP:              netip.AddrFrom16(w.IP).Unmap(),
		IPVer:           flowdata.IPVersion(w.IPVer),
		SrcIfaceIP:      netip.AddrFrom16(w.SrcIfaceIP).Unmap(),
		SrcIfaceMAC:     w.SrcIfaceMAC,
		NextHopMAC:      w.NextHopMAC,
		SrcIfaceIfindex: w.SrcIfaceIfindex,
		Conns:           w.Conns,
		BytesTransfer:   w.BytesTransfer,
	}
}

// wireFlow mirrors flowdata.Flow field for field.
type wireFlow struct {
	Direction   uint8
	Fin         uint8
	FinIsSrc    uint8
	RstIsSrc    uint8
	SrcMAC      [6]byte
	DstMAC      [6]byte
	SrcIfaceIdx uint16
	_           [2]uint8
	ClientIP    [16]byte
	BackendIP   [16]byte
	SrcIP       [16]byte
	DstIP       [16]byte
	SrcPort     uint16
	DstPort     uint16
	_           [8]uint8

	BytesTransfer      uint64
	PacketsTransfer    uint64
	CreatedAtNs        uint64
	LastSeenNs         uint64
	FinBothNs          uint64
	RstNs              uint64
	CounterFlowKeyHash uint64
}

func toWireFlow(f flowdata.Flow) wireFlow {
	var w wireFlow
	w.Direction = uint8(f.Direction)
	w.Fin = boolToU8(f.Fin)
	w.FinIsSrc = boolToU8(f.FinIsSrc)
	w.RstIsSrc = boolToU8(f.RstIsSrc)
	w.SrcMAC = f.SrcMAC
	w.DstMAC = f.DstMAC
	w.SrcIfaceIdx = f.SrcIfaceIdx
	if f.ClientIP.IsValid() {
		w.ClientIP = f.ClientIP.As16()
	}
	if f.BackendIP.IsValid() {
		w.BackendIP = f.BackendIP.As16()
	}
	if f.SrcIP.IsValid() {
		w.SrcIP = f.SrcIP.As16()
	}
	if f.DstIP.IsValid() {
		w.DstIP = f.DstIP.As16()
	}
	w.SrcPort = f.SrcPort
	w.DstPort = f.DstPort
	w.BytesTransfer = f.BytesTransfer
	w.PacketsTransfer = f.PacketsTransfer
	w.CreatedAtNs = f.CreatedAtNs
	w.LastSeenNs = f.LastSeenNs
	w.FinBothNs = f.FinBothNs
	w.RstNs = f.RstNs
	w.CounterFlowKeyHash = f.CounterFlowKeyHash
	return w
}

func fromWireFlow(w wireFlow) flowdata.Flow {
	return flowdata.Flow{
		Direction:          flowdata.FlowDirection(w.Direction),
		ClientIP:           netip.AddrFrom16(w.ClientIP).Unmap(),
		BackendIP:          netip.AddrFrom16(w.BackendIP).Unmap(),
		SrcIP:              netip.AddrFrom16(w.SrcIP).Unmap(),
		DstIP:              netip.AddrFrom16(w.DstIP).Unmap(),
		SrcPort:            w.SrcPort,
		DstPort:            w.DstPort,
		SrcMAC:             w.SrcMAC,
		DstMAC:             w.DstMAC,
		SrcIfaceIdx:        w.SrcIfaceIdx,
		BytesTransfer:      w.BytesTransfer,
		PacketsTransfer:    w.PacketsTransfer,
		CreatedAtNs:        w.CreatedAtNs,
		LastSeenNs:         w.LastSeenNs,
		Fin:                w.Fin != 0,
		FinIsSrc:           w.FinIsSrc != 0,
		FinBothNs:          w.FinBothNs,
		RstNs:              w.RstNs,
		RstIsSrc:           w.RstIsSrc != 0,
		CounterFlowKeyHash: w.CounterFlowKeyHash,
	}
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
