package netheader

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"
)

// EthHeaderLen is the fixed length of an (untagged) ethernet header.
const EthHeaderLen = 14

// EthHeader is a bounds-checked view over the first 14 bytes of a packet
// buffer. It borrows from the buffer; no copy is made.
type EthHeader struct {
	buf []byte
}

// NewEthHeader returns a view over buf's ethernet header, or false if buf
// is too short.
func NewEthHeader(buf []byte) (EthHeader, bool) {
	if len(buf) < EthHeaderLen {
		return EthHeader{}, false
	}
	return EthHeader{buf: buf[:EthHeaderLen]}, true
}

// DstMAC returns the destination MAC address.
func (e EthHeader) DstMAC() [6]byte {
	var mac [6]byte
	copy(mac[:], e.buf[0:6])
	return mac
}

// SrcMAC returns the source MAC address.
func (e EthHeader) SrcMAC() [6]byte {
	var mac [6]byte
	copy(mac[:], e.buf[6:12])
	return mac
}

// EtherType returns the ethertype field as a gopacket layer type constant
// (layers.EthernetTypeIPv4, layers.EthernetTypeIPv6, or another value for
// anything this fast path passes through unexamined).
func (e EthHeader) EtherType() layers.EthernetType {
	return layers.EthernetType(binary.BigEndian.Uint16(e.buf[12:14]))
}

// SetSrcMAC overwrites the source MAC address.
func (e EthHeader) SetSrcMAC(mac [6]byte) {
	copy(e.buf[6:12], mac[:])
}

// SetDstMAC overwrites the destination MAC address.
func (e EthHeader) SetDstMAC(mac [6]byte) {
	copy(e.buf[0:6], mac[:])
}

// Swap exchanges the source and destination MAC addresses, used when
// turning a packet into a response addressed back at its sender (RST).
func (e EthHeader) Swap() {
	src := e.SrcMAC()
	dst := e.DstMAC()
	e.SetSrcMAC(dst)
	e.SetDstMAC(src)
}
