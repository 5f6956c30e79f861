package netheader

import (
	"net/netip"

	"github.com/xlb-io/xlb/internal/xlberr"
)

// Reroute rewrites an already-classified TCP/IPv4 packet's ethernet
// addresses, IP addresses and TCP ports in place, updating both checksums.
// IPv6 and non-TCP packets are not supported by this fast path and yield
// ErrNotYetImpl.
func (p *Packet) Reroute(srcMAC, dstMAC [6]byte, srcIP, dstIP netip.Addr, srcPort, dstPort uint16) error {
	if !p.IsTCP {
		return xlberr.ErrNotYetImpl
	}

	p.Eth.SetSrcMAC(srcMAC)
	p.Eth.SetDstMAC(dstMAC)

	if !srcIP.Is4() || !dstIP.Is4() {
		return xlberr.ErrInvalidIPVal
	}

	oldSrcIP := p.IP.SrcIP()
	oldDstIP := p.IP.DstIP()
	oldSrcPort := p.TCP.SrcPort()
	oldDstPort := p.TCP.DstPort()

	newSrcIP := srcIP.As4()
	newDstIP := dstIP.As4()

	p.IP.SetSrcDstIP(newSrcIP, newDstIP)
	p.IP.RecomputeChecksum()

	newChecksum := TCPChecksumIncrementalNAT(
		p.TCP.Checksum(),
		oldSrcIP, oldDstIP, newSrcIP, newDstIP,
		oldSrcPort, oldDstPort, srcPort, dstPort,
	)
	p.TCP.SetChecksum(newChecksum)

	p.TCP.SetPorts(srcPort, dstPort)
	return nil
}

// ToRST turns the packet into an RFC-793 §3.4 RST addressed back at its
// sender, truncating the trailing payload. It returns the re-sliced frame
// (a view into Raw), which the caller sends back out the ingress
// interface. Only a decoded TCP/IPv4 packet can be turned into a RST.
func (p *Packet) ToRST() ([]byte, error) {
	if !p.IsTCP {
		return nil, xlberr.ErrInvalidOp
	}

	p.Eth.Swap()

	oldSrcIP := p.IP.SrcIP()
	oldDstIP := p.IP.DstIP()
	p.IP.SetSrcDstIP(oldDstIP, oldSrcIP)

	p.TCP.SwapPorts()

	ipHdrLen := p.IP.HeaderLen()
	tcpHdrLen := p.TCP.HeaderLen()
	dataBytes := int(p.IP.TotalLen()) - ipHdrLen - tcpHdrLen
	if dataBytes < 0 {
		return nil, xlberr.ErrInvalidOp
	}

	segLen := dataBytes
	if p.TCP.IsSyn() {
		segLen++
	}
	if p.TCP.IsFin() {
		segLen++
	}

	var newSeq, newAck uint32
	var ackFlag bool
	if p.TCP.IsAck() {
		newSeq = p.TCP.AckSeq()
		newAck = 0
		ackFlag = false
	} else {
		newSeq = 0
		newAck = p.TCP.Seq() + uint32(segLen)
		ackFlag = true
	}
	p.TCP.SetSeqAck(newSeq, newAck)
	p.TCP.SetFlags(false, false, true, false, ackFlag, false)
	p.TCP.ClearWindowAndUrgent()

	newTotalLen := ipHdrLen + tcpHdrLen
	if newTotalLen > int(p.IP.TotalLen()) {
		return nil, xlberr.ErrInvalidOp
	}
	p.IP.SetTotalLen(uint16(newTotalLen))
	p.IP.RecomputeChecksum()

	newFrameLen := EthHeaderLen + newTotalLen
	truncated := p.Raw[:newFrameLen]

	p.TCP.SetChecksum(0)
	tcpSegment := truncated[EthHeaderLen+ipHdrLen : EthHeaderLen+newTotalLen]
	p.TCP.SetChecksum(TCPChecksumFull(p.IP.SrcIP(), p.IP.DstIP(), tcpSegment))

	p.Raw = truncated
	return truncated, nil
}
