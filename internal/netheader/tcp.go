package netheader

import "encoding/binary"

// MinTCPHeaderLen is the length of a TCP header with no options.
const MinTCPHeaderLen = 20

// TCP flag bit positions within the 13th byte of the header.
const (
	tcpFlagFIN = 1 << 0
	tcpFlagSYN = 1 << 1
	tcpFlagRST = 1 << 2
	tcpFlagPSH = 1 << 3
	tcpFlagACK = 1 << 4
	tcpFlagURG = 1 << 5
)

// TCPHeader is a bounds-checked view over a TCP header.
type TCPHeader struct {
	buf []byte
}

// NewTCPHeader returns a view over buf's TCP header, or false if buf is
// shorter than the header length the data-offset field declares.
func NewTCPHeader(buf []byte) (TCPHeader, bool) {
	if len(buf) < MinTCPHeaderLen {
		return TCPHeader{}, false
	}
	hlen := int(buf[12]>>4) * 4
	if hlen < MinTCPHeaderLen || len(buf) < hlen {
		return TCPHeader{}, false
	}
	return TCPHeader{buf: buf}, true
}

// HeaderLen returns the header length in bytes from the data-offset field.
func (h TCPHeader) HeaderLen() int {
	return int(h.buf[12]>>4) * 4
}

// SrcPort returns the source port.
func (h TCPHeader) SrcPort() uint16 { return binary.BigEndian.Uint16(h.buf[0:2]) }

// DstPort returns the destination port.
func (h TCPHeader) DstPort() uint16 { return binary.BigEndian.Uint16(h.buf[2:4]) }

// Seq returns the sequence number.
func (h TCPHeader) Seq() uint32 { return binary.BigEndian.Uint32(h.buf[4:8]) }

// AckSeq returns the acknowledgment number.
func (h TCPHeader) AckSeq() uint32 { return binary.BigEndian.Uint32(h.buf[8:12]) }

func (h TCPHeader) flags() byte { return h.buf[13] }

// IsSyn reports whether the SYN flag is set.
func (h TCPHeader) IsSyn() bool { return h.flags()&tcpFlagSYN != 0 }

// IsFin reports whether the FIN flag is set.
func (h TCPHeader) IsFin() bool { return h.flags()&tcpFlagFIN != 0 }

// IsRst reports whether the RST flag is set.
func (h TCPHeader) IsRst() bool { return h.flags()&tcpFlagRST != 0 }

// IsAck reports whether the ACK flag is set.
func (h TCPHeader) IsAck() bool { return h.flags()&tcpFlagACK != 0 }

// SetPorts overwrites both ports without touching the checksum. Callers
// that need a valid checksum afterward must recompute it explicitly -
// this mirrors the rewrite engine's ordering, which updates the checksum
// from the old/new IP+port quadruple before calling this.
func (h TCPHeader) SetPorts(src, dst uint16) {
	binary.BigEndian.PutUint16(h.buf[0:2], src)
	binary.BigEndian.PutUint16(h.buf[2:4], dst)
}

// SwapPorts exchanges source and destination ports in place.
func (h TCPHeader) SwapPorts() {
	src := h.SrcPort()
	dst := h.DstPort()
	h.SetPorts(dst, src)
}

// Checksum returns the current checksum field value.
func (h TCPHeader) Checksum() uint16 { return binary.BigEndian.Uint16(h.buf[16:18]) }

// SetChecksum overwrites the checksum field.
func (h TCPHeader) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h.buf[16:18], c) }

// SetSeqAck overwrites the sequence and acknowledgment numbers.
func (h TCPHeader) SetSeqAck(seq, ack uint32) {
	binary.BigEndian.PutUint32(h.buf[4:8], seq)
	binary.BigEndian.PutUint32(h.buf[8:12], ack)
}

// SetFlags overwrites the six control bits this fast path ever touches.
func (h TCPHeader) SetFlags(fin, syn, rst, psh, ack, urg bool) {
	var f byte
	if fin {
		f |= tcpFlagFIN
	}
	if syn {
		f |= tcpFlagSYN
	}
	if rst {
		f |= tcpFlagRST
	}
	if psh {
		f |= tcpFlagPSH
	}
	if ack {
		f |= tcpFlagACK
	}
	if urg {
		f |= tcpFlagURG
	}
	h.buf[13] = f
}

// ClearWindowAndUrgent zeroes the window and urgent-pointer fields, as
// required when synthesizing a RST.
func (h TCPHeader) ClearWindowAndUrgent() {
	h.buf[14], h.buf[15] = 0, 0
	h.buf[18], h.buf[19] = 0, 0
}

// Raw returns the full header+payload slice this view was built from, for
// checksum computation over the entire segment.
func (h TCPHeader) Raw() []byte { return h.buf }
