package fastpath

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/xlb-io/xlb/internal/balancing"
	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/flowtable"
	"github.com/xlb-io/xlb/internal/netheader"
	"github.com/xlb-io/xlb/internal/xlberr"
)

const (
	testFlagFIN = 1 << 0
	testFlagSYN = 1 << 1
	testFlagRST = 1 << 2
	testFlagACK = 1 << 4
)

// buildFrame assembles a minimal ethernet+IPv4+TCP frame with correct
// checksums, mirroring what a real NIC would hand the fast path.
func buildFrame(t *testing.T, srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, flags byte, seq, ack uint32, payload []byte) []byte {
	t.Helper()

	totalLen := netheader.MinIPv4HeaderLen + netheader.MinTCPHeaderLen + len(payload)
	buf := make([]byte, netheader.EthHeaderLen+totalLen)

	copy(buf[0:6], dstMAC[:])
	copy(buf[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], 0x0800)

	ip := buf[netheader.EthHeaderLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	csum := netheader.IPv4HeaderChecksum(ip[:netheader.MinIPv4HeaderLen])
	binary.BigEndian.PutUint16(ip[10:12], csum)

	tcp := ip[netheader.MinIPv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = netheader.MinTCPHeaderLen / 4 << 4
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	copy(tcp[20:], payload)
	tcpCsum := netheader.TCPChecksumFull(srcIP, dstIP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], tcpCsum)

	return buf
}

func testBackend(ip string) flowdata.Backend {
	return flowdata.Backend{
		IP:              netip.MustParseAddr(ip),
		SrcIfaceIP:      netip.MustParseAddr("172.16.0.1"),
		SrcIfaceMAC:     [6]byte{1, 1, 1, 1, 1, 1},
		NextHopMAC:      [6]byte{2, 2, 2, 2, 2, 2},
		SrcIfaceIfindex: 7,
	}
}

func TestHandlePacketNewFlowOnSyn(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	backends[0] = testBackend("10.1.0.5")
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	buf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagSYN, 1000, 0, nil)
	pkt, err := netheader.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &pkt, &backends, &rr, flows, 3, 111)
	if err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	if out.Verdict != Forward {
		t.Fatalf("expected Forward, got %v", out.Verdict)
	}
	if out.EgressIfindex != 7 {
		t.Fatalf("expected egress ifindex 7 (backend's), got %d", out.EgressIfindex)
	}
	if pkt.IP.DstIP() != backends[0].IP.As4() {
		t.Fatalf("expected packet rewritten toward backend IP")
	}
	if pkt.TCP.DstPort() != 8080 {
		t.Fatalf("expected dst port rewritten to backend's mapped port, got %d", pkt.TCP.DstPort())
	}

	if flows.Len() != 2 {
		t.Fatalf("expected both flow directions inserted, got %d entries", flows.Len())
	}

	toServerKey := flowtable.ServerKey(netip.AddrFrom4(clientIP), 44123)
	toServerFlow, found := flows.Lookup(flowtable.Hash64(toServerKey))
	if !found {
		t.Fatal("expected a ToServer flow keyed by (client_ip, client_src_port)")
	}
	if toServerFlow.BackendIP != backends[0].IP {
		t.Fatalf("ToServer flow points at wrong backend")
	}

	counter, found := flows.Lookup(toServerFlow.CounterFlowKeyHash)
	if !found {
		t.Fatal("expected ToServer flow's counter hash to resolve to a ToClient flow")
	}
	if counter.Direction != flowdata.ToClient {
		t.Fatalf("expected counter flow to be ToClient, got %v", counter.Direction)
	}
	if counter.CounterFlowKeyHash != flowtable.Hash64(toServerKey) {
		t.Fatal("expected counter flow to point back at the ToServer flow")
	}
}

func TestHandlePacketNoBackendsDrops(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	buf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagSYN, 1000, 0, nil)
	pkt, err := netheader.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &pkt, &backends, &rr, flows, 3, 111)
	if err == nil {
		t.Fatal("expected ErrNoBackends")
	}
	if out.Verdict != Drop {
		t.Fatalf("expected Drop, got %v", out.Verdict)
	}
}

func TestHandlePacketExistingFlowRewritesAndCounts(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	backends[0] = testBackend("10.1.0.5")
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	synBuf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagSYN, 1000, 0, nil)
	synPkt, err := netheader.Decode(synBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := HandlePacket(cfg, &synPkt, &backends, &rr, flows, 3, 111); err != nil {
		t.Fatalf("HandlePacket(SYN): %v", err)
	}

	dataBuf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagACK, 1001, 1, []byte("hello"))
	dataPkt, err := netheader.Decode(dataBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &dataPkt, &backends, &rr, flows, 3, 222)
	if err != nil {
		t.Fatalf("HandlePacket(data): %v", err)
	}
	if out.Verdict != Forward {
		t.Fatalf("expected Forward, got %v", out.Verdict)
	}

	toServerKey := flowtable.ServerKey(netip.AddrFrom4(clientIP), 44123)
	flow, found := flows.Lookup(flowtable.Hash64(toServerKey))
	if !found {
		t.Fatal("expected ToServer flow to still exist")
	}
	if flow.PacketsTransfer != 1 {
		t.Fatalf("expected packets_transfer incremented to 1, got %d", flow.PacketsTransfer)
	}
	if flow.LastSeenNs != 222 {
		t.Fatalf("expected last_seen_ns updated to 222, got %d", flow.LastSeenNs)
	}
}

func TestHandlePacketDrainRewritesToRST(t *testing.T) {
	cfg := testConfig()
	cfg.Shutdown = true
	var backends [balancing.MaxBackends]flowdata.Backend
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	buf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagACK, 1000, 500, []byte("x"))
	pkt, err := netheader.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &pkt, &backends, &rr, flows, 3, 111)
	if err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	if out.Verdict != Return {
		t.Fatalf("expected Return, got %v", out.Verdict)
	}
	if !pkt.TCP.IsRst() {
		t.Fatal("expected the drained packet to come back with RST set")
	}
}

// TestHandlePacketToClientExistingFlowRewrites drives a backend response
// through an already-established flow pair and checks it comes back
// rewritten to look like it came from the VIP, forwarded toward the
// client's ingress interface (spec.md §8 scenario 3).
func TestHandlePacketToClientExistingFlowRewrites(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	backend := testBackend("10.1.0.5")
	backends[0] = backend
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	synBuf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagSYN, 1000, 0, nil)
	synPkt, err := netheader.Decode(synBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := HandlePacket(cfg, &synPkt, &backends, &rr, flows, 3, 111); err != nil {
		t.Fatalf("HandlePacket(SYN): %v", err)
	}

	toServerKey := flowtable.ServerKey(netip.AddrFrom4(clientIP), 44123)
	toServerFlow, found := flows.Lookup(flowtable.Hash64(toServerKey))
	if !found {
		t.Fatal("expected ToServer flow to exist after SYN")
	}
	ephemeralPort := toServerFlow.SrcPort

	backendMAC := [6]byte{30, 30, 30, 30, 30, 30}
	lbBackendSideMAC := [6]byte{40, 40, 40, 40, 40, 40}
	backendIP := backend.IP.As4()
	lbBackendSideIP := backend.SrcIfaceIP.As4()

	respBuf := buildFrame(t, backendMAC, lbBackendSideMAC, backendIP, lbBackendSideIP, 8080, ephemeralPort, testFlagACK, 1, 1001, []byte("hi"))
	respPkt, err := netheader.Decode(respBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &respPkt, &backends, &rr, flows, 3, 222)
	if err != nil {
		t.Fatalf("HandlePacket(response): %v", err)
	}
	if out.Verdict != Forward {
		t.Fatalf("expected Forward, got %v", out.Verdict)
	}
	if out.EgressIfindex != 3 {
		t.Fatalf("expected egress ifindex 3 (the client's ingress iface), got %d", out.EgressIfindex)
	}
	if respPkt.IP.SrcIP() != vip {
		t.Fatal("expected response rewritten to appear to come from the VIP")
	}
	if respPkt.IP.DstIP() != clientIP {
		t.Fatal("expected response rewritten toward the client IP")
	}
	if respPkt.TCP.SrcPort() != 80 {
		t.Fatalf("expected source port rewritten to the VIP's listen port 80, got %d", respPkt.TCP.SrcPort())
	}
	if respPkt.TCP.DstPort() != 44123 {
		t.Fatalf("expected dest port rewritten to the client's port, got %d", respPkt.TCP.DstPort())
	}
}

// TestHandlePacketBackendSynDropped covers spec.md §8's backend-side-SYN
// scenario: a SYN classified ToClient is a protocol anomaly and must be
// dropped with ErrUnexpectedSyn rather than passed through.
func TestHandlePacketBackendSynDropped(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	backendMAC := [6]byte{30, 30, 30, 30, 30, 30}
	lbBackendSideMAC := [6]byte{40, 40, 40, 40, 40, 40}
	backendIP := [4]byte{10, 1, 0, 5}
	lbBackendSideIP := [4]byte{172, 16, 0, 1}

	// srcPort 8080 matches the configured RemotePort, so the classifier
	// calls this ToClient regardless of dstPort/dstIP.
	buf := buildFrame(t, backendMAC, lbBackendSideMAC, backendIP, lbBackendSideIP, 8080, 55001, testFlagSYN, 1, 0, nil)
	pkt, err := netheader.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &pkt, &backends, &rr, flows, 3, 111)
	if err != xlberr.ErrUnexpectedSyn {
		t.Fatalf("expected ErrUnexpectedSyn, got %v", err)
	}
	if out.Verdict != Drop {
		t.Fatalf("expected Drop, got %v", out.Verdict)
	}
}

// TestHandlePacketOrphanedToServerDropped covers spec.md §8's orphaned-flow
// scenario: a non-SYN ToServer packet with no matching flow entry (e.g. the
// flow was already reaped) is dropped with ErrOrphanedFlow.
func TestHandlePacketOrphanedToServerDropped(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	buf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagACK, 1001, 1, []byte("hello"))
	pkt, err := netheader.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := HandlePacket(cfg, &pkt, &backends, &rr, flows, 3, 111)
	if err != xlberr.ErrOrphanedFlow {
		t.Fatalf("expected ErrOrphanedFlow, got %v", err)
	}
	if out.Verdict != Drop {
		t.Fatalf("expected Drop, got %v", out.Verdict)
	}
}

// TestHandlePacketFinBothClosesFlowPair drives a FIN from each side of an
// established connection and checks that FinBothNs lands on both flow
// directions, and that the connection keeps forwarding afterward - closing
// only marks the pair for the maintenance loop's reaper, it does not itself
// remove the flows (spec.md §8 scenario 6).
func TestHandlePacketFinBothClosesFlowPair(t *testing.T) {
	cfg := testConfig()
	var backends [balancing.MaxBackends]flowdata.Backend
	backend := testBackend("10.1.0.5")
	backends[0] = backend
	var rr balancing.RoundRobin
	flows := flowtable.NewMemTable()

	clientMAC := [6]byte{10, 10, 10, 10, 10, 10}
	lbMAC := [6]byte{20, 20, 20, 20, 20, 20}
	clientIP := [4]byte{192, 168, 1, 100}
	vip := cfg.IPAddr.As4()

	synBuf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagSYN, 1000, 0, nil)
	synPkt, err := netheader.Decode(synBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := HandlePacket(cfg, &synPkt, &backends, &rr, flows, 3, 111); err != nil {
		t.Fatalf("HandlePacket(SYN): %v", err)
	}

	toServerKey := flowtable.ServerKey(netip.AddrFrom4(clientIP), 44123)
	toServerHash := flowtable.Hash64(toServerKey)
	toServerFlow, found := flows.Lookup(toServerHash)
	if !found {
		t.Fatal("expected ToServer flow to exist after SYN")
	}
	ephemeralPort := toServerFlow.SrcPort
	toClientHash := toServerFlow.CounterFlowKeyHash

	// FIN from the client side.
	clientFinBuf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagFIN|testFlagACK, 1001, 1, nil)
	clientFinPkt, err := netheader.Decode(clientFinBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err := HandlePacket(cfg, &clientFinPkt, &backends, &rr, flows, 3, 200)
	if err != nil {
		t.Fatalf("HandlePacket(client FIN): %v", err)
	}
	if out.Verdict != Forward {
		t.Fatalf("expected the FIN packet itself to still forward, got %v", out.Verdict)
	}

	// FIN from the backend side.
	backendMAC := [6]byte{30, 30, 30, 30, 30, 30}
	lbBackendSideMAC := [6]byte{40, 40, 40, 40, 40, 40}
	backendIP := backend.IP.As4()
	lbBackendSideIP := backend.SrcIfaceIP.As4()

	backendFinBuf := buildFrame(t, backendMAC, lbBackendSideMAC, backendIP, lbBackendSideIP, 8080, ephemeralPort, testFlagFIN|testFlagACK, 1, 1002, nil)
	backendFinPkt, err := netheader.Decode(backendFinBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err = HandlePacket(cfg, &backendFinPkt, &backends, &rr, flows, 3, 300)
	if err != nil {
		t.Fatalf("HandlePacket(backend FIN): %v", err)
	}
	if out.Verdict != Forward {
		t.Fatalf("expected the FIN packet itself to still forward, got %v", out.Verdict)
	}

	toServerFlow, found = flows.Lookup(toServerHash)
	if !found {
		t.Fatal("expected ToServer flow to still exist after both FINs")
	}
	toClientFlow, found := flows.Lookup(toClientHash)
	if !found {
		t.Fatal("expected ToClient flow to still exist after both FINs")
	}
	if toServerFlow.FinBothNs != 300 {
		t.Fatalf("expected ToServer flow's fin_both_ns set to 300, got %d", toServerFlow.FinBothNs)
	}
	if toClientFlow.FinBothNs != 300 {
		t.Fatalf("expected ToClient flow's fin_both_ns set to 300, got %d", toClientFlow.FinBothNs)
	}

	// A subsequent ACK must still forward: closing only flags the pair for
	// the reaper, it doesn't remove the flows outright.
	ackBuf := buildFrame(t, clientMAC, lbMAC, clientIP, vip, 44123, 80, testFlagACK, 1002, 2, nil)
	ackPkt, err := netheader.Decode(ackBuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out, err = HandlePacket(cfg, &ackPkt, &backends, &rr, flows, 3, 400)
	if err != nil {
		t.Fatalf("HandlePacket(post-close ACK): %v", err)
	}
	if out.Verdict != Forward {
		t.Fatalf("expected the post-close ACK to still forward, got %v", out.Verdict)
	}
}
