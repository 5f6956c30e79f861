// Package xlberr defines the fast-path error taxonomy shared by the
// packet decoder, classifier, flow table and rewrite engine.
//
// Each value is a distinct sentinel so callers can use errors.Is instead
// of string matching, and so the maintenance loop and metrics layer can
// attribute drops to a specific cause.
package xlberr

import "errors"

// Fast-path errors. One kind per disposition in the packet pipeline; see
// the package doc and the error-handling table in the spec for the
// disposition each one carries (XDP_ABORTED, XDP_DROP, or a synthesized
// RST).
var (
	// ErrParseHdrEth is returned when the ethernet header cannot be safely
	// read from the packet buffer.
	ErrParseHdrEth = errors.New("xlb: truncated or invalid ethernet header")
	// ErrParseHdrIP is returned when the IP header cannot be safely read.
	ErrParseHdrIP = errors.New("xlb: truncated or invalid ip header")
	// ErrParseHdrProto is returned when the TCP/UDP header cannot be
	// safely read.
	ErrParseHdrProto = errors.New("xlb: truncated or invalid l4 header")

	// ErrInvalidOp is returned for operations that do not apply to the
	// current packet, e.g. RST on a non-TCP packet, or a tail adjustment
	// that would grow the packet.
	ErrInvalidOp = errors.New("xlb: invalid operation for this packet")
	// ErrNotYetImpl is returned for IPv6 or UDP on the forwarding path.
	ErrNotYetImpl = errors.New("xlb: not yet implemented")
	// ErrInvalidIPVal is returned when a rewrite target IP exceeds 32
	// bits while operating in IPv4 mode.
	ErrInvalidIPVal = errors.New("xlb: rewrite ip exceeds 32 bits in ipv4 mode")
	// ErrUnexpectedSyn is returned when a SYN is observed on the backend
	// side of a connection (ToClient direction).
	ErrUnexpectedSyn = errors.New("xlb: unexpected syn from backend")

	// ErrNoBackends is returned when the round-robin selector's bounded
	// scan finds no usable backend.
	ErrNoBackends = errors.New("xlb: no backends available")
	// ErrFibLookupFailed is reserved for an in-kernel FIB lookup path;
	// this implementation resolves routes in userspace (see internal/route)
	// and never raises this, but keeps the slot so the taxonomy matches
	// the spec.
	ErrFibLookupFailed = errors.New("xlb: fib lookup failed")
	// ErrOrphanedFlow is returned for a non-SYN ToServer packet with no
	// matching flow table entry.
	ErrOrphanedFlow = errors.New("xlb: orphaned flow, no matching entry")
	// ErrMapInsertFailed is returned when the flow table is at capacity.
	ErrMapInsertFailed = errors.New("xlb: flow table insert failed")
	// ErrNoEphemeralPorts is returned when all bounded attempts to find
	// a free ephemeral port collide.
	ErrNoEphemeralPorts = errors.New("xlb: no ephemeral ports available")

	// ErrKeyCollision is returned when a flow-hash lookup finds an entry
	// whose stored FlowKey does not match the key being looked up - a true
	// 64-bit hash collision. Not part of the original taxonomy; added by
	// this rewrite's resolution of the flow-map key-verification open
	// question.
	ErrKeyCollision = errors.New("xlb: flow hash collision detected")
)
