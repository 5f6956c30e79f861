package fastpath

import (
	"net/netip"

	"github.com/xlb-io/xlb/internal/balancing"
	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/flowtable"
	"github.com/xlb-io/xlb/internal/netheader"
	"github.com/xlb-io/xlb/internal/xlberr"
)

// Verdict is what HandlePacket decided to do with a packet.
type Verdict int

const (
	// Pass means the packet is left untouched and should continue
	// through the normal network stack / pass through the interface.
	Pass Verdict = iota
	// Drop means the packet should be dropped (XDP_DROP).
	Drop
	// Return means the packet was rewritten into a RST and must be sent
	// back out the interface it arrived on.
	Return
	// Forward means the packet was rewritten and must be redirected to
	// EgressIfindex.
	Forward
)

// Outcome is HandlePacket's result.
type Outcome struct {
	Verdict       Verdict
	EgressIfindex uint16
	Frame         []byte
}

// HandlePacket runs the per-packet decision tree: drain check, new-flow
// creation on SYN, FIN/RST bookkeeping, and the existing-flow rewrite
// path. cfg, backends and flows are shared state the caller owns across
// calls; rr carries the round-robin cursor. ingressIfindex is the
// interface the packet arrived on, needed to build the ToClient flow
// recipe and to address a RST back out the way it came.
func HandlePacket(cfg flowdata.EbpfConfig, pkt *netheader.Packet, backends *[balancing.MaxBackends]flowdata.Backend, rr *balancing.RoundRobin, flows flowtable.Table, ingressIfindex uint16, nowNs uint64) (Outcome, error) {
	if !pkt.IsTCP {
		return Outcome{Verdict: Pass}, nil
	}

	srcIP := netip.AddrFrom4(pkt.IP.SrcIP())
	dstIP := netip.AddrFrom4(pkt.IP.DstIP())
	srcPort := pkt.TCP.SrcPort()
	dstPort := pkt.TCP.DstPort()

	direction, mapping, ok := ShouldProcess(cfg, flowdata.IPv4, flowdata.ProtoTCP, dstIP, srcPort, dstPort)
	if !ok {
		return Outcome{Verdict: Pass}, nil
	}

	if cfg.Shutdown {
		frame, err := pkt.ToRST()
		if err != nil {
			return Outcome{Verdict: Drop}, err
		}
		return Outcome{Verdict: Return, Frame: frame}, nil
	}

	if pkt.TCP.IsSyn() && direction == flowdata.ToServer {
		return handleNewFlow(pkt, backends, rr, flows, mapping, srcIP, dstIP, srcPort, ingressIfindex, nowNs)
	}

	if pkt.TCP.IsSyn() && direction == flowdata.ToClient {
		// A SYN arriving from the backend side is a protocol anomaly, not
		// ordinary return traffic - surface it instead of silently letting
		// it fall through the ToClient miss-is-Pass rule below.
		return Outcome{Verdict: Drop}, xlberr.ErrUnexpectedSyn
	}

	var closeErr error
	if pkt.TCP.IsFin() || pkt.TCP.IsRst() {
		// closeFlow's error (a missing counter flow) is surfaced to the
		// caller for logging, but per spec we still fall through to the
		// existing-flow path below - the packet that carried FIN/RST is
		// itself still data that needs forwarding.
		closeErr = closeFlow(flows, direction, srcIP, srcPort, dstPort, pkt.TCP.IsFin(), pkt.TCP.IsRst(), nowNs)
	}

	out, err := existingFlow(pkt, flows, direction, srcIP, srcPort, dstPort, nowNs)
	if err == nil {
		err = closeErr
	}
	return out, err
}

func handleNewFlow(pkt *netheader.Packet, backends *[balancing.MaxBackends]flowdata.Backend, rr *balancing.RoundRobin, flows flowtable.Table, mapping flowdata.PortMapping, clientIP, vip netip.Addr, clientPort uint16, ingressIfindex uint16, nowNs uint64) (Outcome, error) {
	backend, err := rr.Select(backends)
	if err != nil {
		return Outcome{Verdict: Drop}, err
	}

	ephemeralPort, err := findEphemeralPort(backend.IP, flows)
	if err != nil {
		frame, rerr := pkt.ToRST()
		if rerr != nil {
			return Outcome{Verdict: Drop}, rerr
		}
		return Outcome{Verdict: Return, Frame: frame}, err
	}

	toServer := flowdata.Flow{
		Direction:   flowdata.ToServer,
		ClientIP:    clientIP,
		BackendIP:   backend.IP,
		SrcIP:       backend.SrcIfaceIP,
		DstIP:       backend.IP,
		SrcPort:     ephemeralPort,
		DstPort:     mapping.RemotePort,
		SrcMAC:      backend.SrcIfaceMAC,
		DstMAC:      backend.NextHopMAC,
		SrcIfaceIdx: backend.SrcIfaceIfindex,
		CreatedAtNs: nowNs,
		LastSeenNs:  nowNs,
	}
	toClient := flowdata.Flow{
		Direction:   flowdata.ToClient,
		ClientIP:    clientIP,
		BackendIP:   backend.IP,
		SrcIP:       vip,
		DstIP:       clientIP,
		SrcPort:     pkt.TCP.DstPort(),
		DstPort:     clientPort,
		SrcMAC:      pkt.Eth.DstMAC(),
		DstMAC:      pkt.Eth.SrcMAC(),
		SrcIfaceIdx: ingressIfindex,
		CreatedAtNs: nowNs,
		LastSeenNs:  nowNs,
	}

	toServerKey := flowtable.ServerKey(clientIP, clientPort)
	toClientKey := flowtable.ClientKey(backend.IP, ephemeralPort)
	toServerHash := flowtable.Hash64(toServerKey)
	toClientHash := flowtable.Hash64(toClientKey)

	toServer.CounterFlowKeyHash = toClientHash
	toClient.CounterFlowKeyHash = toServerHash

	if err := flows.Insert(toServerHash, toServerKey, toServer); err != nil {
		return Outcome{Verdict: Drop}, err
	}
	if err := flows.Insert(toClientHash, toClientKey, toClient); err != nil {
		return Outcome{Verdict: Drop}, xlberr.ErrMapInsertFailed
	}

	if err := pkt.Reroute(toServer.SrcMAC, toServer.DstMAC, toServer.SrcIP, toServer.DstIP, toServer.SrcPort, toServer.DstPort); err != nil {
		return Outcome{Verdict: Drop}, err
	}

	return Outcome{Verdict: Forward, EgressIfindex: toServer.SrcIfaceIdx, Frame: pkt.Raw}, nil
}

// existingFlow looks up the flow matching direction and, on a hit, applies
// its rewrite recipe to pkt and updates its liveness counters.
func existingFlow(pkt *netheader.Packet, flows flowtable.Table, direction flowdata.FlowDirection, srcIP netip.Addr, srcPort, dstPort uint16, nowNs uint64) (Outcome, error) {
	key, hash := lookupKey(direction, srcIP, srcPort, dstPort)

	flow, found, err := flows.LookupVerified(hash, key)
	if err != nil {
		return Outcome{Verdict: Drop}, err
	}
	if !found {
		if direction == flowdata.ToServer {
			return Outcome{Verdict: Drop}, xlberr.ErrOrphanedFlow
		}
		// Unknown ToClient traffic: the backend response predates our
		// knowledge of this connection. Pass it through; the client
		// will retry if it matters.
		return Outcome{Verdict: Pass}, nil
	}

	flow.BytesTransfer += uint64(pkt.IP.TotalLen())
	flow.PacketsTransfer++
	flow.LastSeenNs = nowNs
	flows.Update(hash, flow)

	if err := pkt.Reroute(flow.SrcMAC, flow.DstMAC, flow.SrcIP, flow.DstIP, flow.SrcPort, flow.DstPort); err != nil {
		return Outcome{Verdict: Drop}, err
	}

	return Outcome{Verdict: Forward, EgressIfindex: flow.SrcIfaceIdx, Frame: pkt.Raw}, nil
}

// lookupKey derives the flow-table key a packet's own direction would be
// stored under: ToServer flows are keyed by the client's (ip, port);
// ToClient flows are keyed by the backend's (ip, ephemeral port) - in both
// cases that is exactly (incoming src_ip, the port that isn't the LB's
// own listen port).
func lookupKey(direction flowdata.FlowDirection, srcIP netip.Addr, srcPort, dstPort uint16) (flowdata.FlowKey, uint64) {
	var key flowdata.FlowKey
	switch direction {
	case flowdata.ToServer:
		key = flowtable.ServerKey(srcIP, srcPort)
	case flowdata.ToClient:
		key = flowtable.ClientKey(srcIP, dstPort)
	}
	return key, flowtable.Hash64(key)
}

// closeFlow implements close_flow: it marks this direction's flow as
// finished and propagates that closure to its counter-flow, identified
// only by hash (the counter side's full FlowKey is not known to this
// side, by design - see the flow table's hash-collision note).
func closeFlow(flows flowtable.Table, direction flowdata.FlowDirection, srcIP netip.Addr, srcPort, dstPort uint16, fin, rst bool, nowNs uint64) error {
	key, hash := lookupKey(direction, srcIP, srcPort, dstPort)

	flow, found, err := flows.LookupVerified(hash, key)
	if err != nil {
		return err
	}
	if !found {
		// FIN/RST on an already-reaped flow: log-worthy, not fatal.
		return nil
	}

	if fin {
		flow.Fin = true
	}
	if rst {
		flow.RstNs = nowNs
		flow.RstIsSrc = true
	}
	flows.Update(hash, flow)

	counter, found := flows.Lookup(flow.CounterFlowKeyHash)
	if !found {
		return xlberr.ErrOrphanedFlow
	}

	if fin && counter.Fin {
		flow.FinBothNs = nowNs
		counter.FinBothNs = nowNs
		counter.FinIsSrc = true
		flows.Update(hash, flow)
	}
	if rst {
		counter.RstNs = nowNs
		counter.RstIsSrc = false
	}
	flows.Update(flow.CounterFlowKeyHash, counter)

	return nil
}
