package netheader

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"
)

// MinIPv4HeaderLen is the length of an IPv4 header with no options.
const MinIPv4HeaderLen = 20

// IPv4Header is a bounds-checked view over an IPv4 header, options
// excluded from any field this package writes.
type IPv4Header struct {
	buf []byte
}

// NewIPv4Header returns a view over buf's IPv4 header, or false if buf is
// shorter than the header length the IHL field declares.
func NewIPv4Header(buf []byte) (IPv4Header, bool) {
	if len(buf) < MinIPv4HeaderLen {
		return IPv4Header{}, false
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < MinIPv4HeaderLen || len(buf) < ihl {
		return IPv4Header{}, false
	}
	return IPv4Header{buf: buf}, true
}

// HeaderLen returns the header length in bytes, as declared by the IHL
// field (4-bit word count).
func (h IPv4Header) HeaderLen() int {
	return int(h.buf[0]&0x0f) * 4
}

// TotalLen returns the IPv4 total length field (header + payload).
func (h IPv4Header) TotalLen() uint16 {
	return binary.BigEndian.Uint16(h.buf[2:4])
}

// SetTotalLen overwrites the total length field. Does not touch the
// header checksum; callers must recompute it afterward.
func (h IPv4Header) SetTotalLen(n uint16) {
	binary.BigEndian.PutUint16(h.buf[2:4], n)
}

// Protocol returns the IP protocol number as a gopacket layer type
// constant (layers.IPProtocolTCP, layers.IPProtocolUDP, or another value).
func (h IPv4Header) Protocol() layers.IPProtocol {
	return layers.IPProtocol(h.buf[9])
}

// SrcIP returns the source address as four octets in network order.
func (h IPv4Header) SrcIP() [4]byte {
	var ip [4]byte
	copy(ip[:], h.buf[12:16])
	return ip
}

// DstIP returns the destination address as four octets in network order.
func (h IPv4Header) DstIP() [4]byte {
	var ip [4]byte
	copy(ip[:], h.buf[16:20])
	return ip
}

// SetSrcDstIP overwrites both addresses. Does not touch the header
// checksum; callers must recompute it afterward (RecomputeChecksum).
func (h IPv4Header) SetSrcDstIP(src, dst [4]byte) {
	copy(h.buf[12:16], src[:])
	copy(h.buf[16:20], dst[:])
}

// RecomputeChecksum zeroes the checksum field and fully recomputes it over
// the (fixed 20-byte, options-excluded) header. A full recompute is used
// rather than an incremental delta because NIC offload may have left the
// original checksum undefined on ingress.
func (h IPv4Header) RecomputeChecksum() {
	h.buf[10], h.buf[11] = 0, 0
	csum := IPv4HeaderChecksum(h.buf[:MinIPv4HeaderLen])
	binary.BigEndian.PutUint16(h.buf[10:12], csum)
}
