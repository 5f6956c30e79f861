package netheader

import (
	"github.com/gopacket/gopacket/layers"

	"github.com/xlb-io/xlb/internal/xlberr"
)

// Packet bundles bounds-checked views over the ethernet, IPv4 and TCP
// headers of a single buffer. IsIPv4 and IsTCP report how far decoding
// got: a packet that isn't IPv4, or isn't TCP, is not an error - it is
// simply outside what this fast path rewrites, and the caller (the
// classifier) is expected to let it pass through untouched.
type Packet struct {
	Eth EthHeader
	IP  IPv4Header
	TCP TCPHeader

	IsIPv4 bool
	IsTCP  bool

	// Raw is the full frame Decode was given. Reroute and ToRST mutate
	// through Eth/IP/TCP, which all borrow from this same backing array;
	// ToRST additionally re-slices Raw to the new, shorter frame length.
	Raw []byte
}

// Decode parses buf as an ethernet frame, stopping as soon as it runs out
// of header types it understands or the headers it does understand are
// short or inconsistent. Only malformed headers produce an error; a
// well-formed non-IPv4 or non-TCP packet comes back with IsIPv4/IsTCP
// false and a nil error.
func Decode(buf []byte) (Packet, error) {
	eth, ok := NewEthHeader(buf)
	if !ok {
		return Packet{}, xlberr.ErrParseHdrEth
	}

	if eth.EtherType() != layers.EthernetTypeIPv4 {
		return Packet{Eth: eth}, nil
	}

	rest := buf[EthHeaderLen:]
	ip, ok := NewIPv4Header(rest)
	if !ok {
		return Packet{Eth: eth}, xlberr.ErrParseHdrIP
	}
	if int(ip.TotalLen()) > len(rest) {
		return Packet{Eth: eth}, xlberr.ErrParseHdrIP
	}

	if ip.Protocol() != layers.IPProtocolTCP {
		return Packet{Eth: eth, IP: ip, IsIPv4: true}, nil
	}

	segment := rest[ip.HeaderLen():ip.TotalLen()]
	tcp, ok := NewTCPHeader(segment)
	if !ok {
		return Packet{Eth: eth, IP: ip, IsIPv4: true}, xlberr.ErrParseHdrProto
	}

	return Packet{Eth: eth, IP: ip, TCP: tcp, IsIPv4: true, IsTCP: true, Raw: buf}, nil
}
