// Package balancing implements backend selection strategies. Only
// round-robin is implemented; the Strategy type in flowdata reserves room
// for others the way the spec's design notes describe.
package balancing

import (
	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/xlberr"
)

// MaxBackends is the dense-prefix backend table's capacity.
const MaxBackends = 4096

// scanWindow bounds the round-robin scan so it has a fixed upper cost -
// the verifier constraint the spec calls out for every fast-path loop.
const scanWindow = 64

// RoundRobin selects backends from a fixed-size table using a single
// cursor, advancing past empty (sentinel) slots. It is safe for the
// cursor to be read and advanced without synchronization from a single
// fast-path "thread" of execution; callers that share a RoundRobin across
// goroutines must serialize access themselves; the spec's real kernel
// implementation keeps this in a 1-slot BPF array shared without locks
// across CPUs, relying on the bounded scan tolerating a torn read.
type RoundRobin struct {
	cursor uint32
}

// Select scans backends starting at the cursor for up to scanWindow slots,
// returning the first non-empty one and advancing the cursor past it. If
// the window starting at a nonzero cursor finds nothing, it retries once
// from slot 0 to handle the cursor having landed in an empty tail region.
// Returns ErrNoBackends if no candidate is found.
func (r *RoundRobin) Select(backends *[MaxBackends]flowdata.Backend) (flowdata.Backend, error) {
	if b, ok := r.scanFrom(backends, r.cursor); ok {
		return b, nil
	}

	if r.cursor != 0 {
		if b, ok := r.scanFrom(backends, 0); ok {
			return b, nil
		}
	}

	return flowdata.Backend{}, xlberr.ErrNoBackends
}

func (r *RoundRobin) scanFrom(backends *[MaxBackends]flowdata.Backend, start uint32) (flowdata.Backend, bool) {
	for offset := uint32(0); offset < scanWindow; offset++ {
		slot := (start + offset) % MaxBackends
		b := backends[slot]
		if b.Empty() {
			continue
		}

		r.cursor = (slot + 1) % MaxBackends
		return b, true
	}

	return flowdata.Backend{}, false
}
