// Package flowtable implements the connection-tracking flow table: key
// derivation, hashing, and the lookup/insert/delete/iterate contract used
// by the fast path and the userspace sweeper.
package flowtable

import (
	"sync"

	"github.com/xlb-io/xlb/internal/flowdata"
	"github.com/xlb-io/xlb/internal/xlberr"
)

// MaxActiveFlows is the flow table's capacity, matching FLOW_MAP in the
// kernel-visible table layout.
const MaxActiveFlows = 1_000_000

// Entry pairs a stored Flow with the FlowKey it was inserted under, so a
// lookup can verify the hash didn't collide with an unrelated key.
type Entry struct {
	Key  flowdata.FlowKey
	Flow flowdata.Flow
}

// Table is the flow table contract: all operations are O(1). Lookup and
// Insert are called from the fast path (conceptually; this Go
// implementation is the reference/test harness described in SPEC_FULL.md -
// the production binary's fast path lives in a compiled BPF object and
// talks to the kernel FLOW_MAP directly through internal/ebpfmgr). Delete
// and Iterate are userspace-only, used by the maintenance loop's sweep.
type Table interface {
	Lookup(hash uint64) (flowdata.Flow, bool)
	LookupVerified(hash uint64, want flowdata.FlowKey) (flowdata.Flow, bool, error)
	Update(hash uint64, f flowdata.Flow) bool
	Insert(hash uint64, key flowdata.FlowKey, f flowdata.Flow) error
	Delete(hash uint64) error
	Iterate(visit func(hash uint64, f flowdata.Flow) bool)
	Len() int
}

// MemTable is an in-process Table backed by a Go map, guarded by a mutex.
// The kernel's real FLOW_MAP gives per-entry atomicity for free and needs
// no userspace lock; MemTable's mutex exists only because this software
// implementation is exercised concurrently in tests and by the maintenance
// loop's sweep goroutine.
type MemTable struct {
	mu      sync.Mutex
	entries map[uint64]Entry
}

// NewMemTable returns an empty MemTable.
func NewMemTable() *MemTable {
	return &MemTable{entries: make(map[uint64]Entry)}
}

// Lookup returns the flow for hash, or (_, false) on a miss.
func (t *MemTable) Lookup(hash uint64) (flowdata.Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok {
		return flowdata.Flow{}, false
	}
	return e.Flow, true
}

// LookupVerified returns the flow for hash only if the stored entry's key
// equals want, surfacing ErrKeyCollision on a hash match with a different
// key instead of silently returning the wrong flow. This is the fast
// path's actual lookup primitive: it is what resolves the spec's open
// question about unverified hash-only lookups in favor of collision
// safety, since MemTable stores the full key at negligible cost.
func (t *MemTable) LookupVerified(hash uint64, want flowdata.FlowKey) (flowdata.Flow, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok {
		return flowdata.Flow{}, false, nil
	}
	if e.Key != want {
		return flowdata.Flow{}, false, xlberr.ErrKeyCollision
	}
	return e.Flow, true, nil
}

// Update overwrites the flow stored at hash with f, used after mutating a
// copy obtained from Lookup (increment counters, advance last-seen). Returns
// false if hash is no longer present (e.g. concurrently reaped).
func (t *MemTable) Update(hash uint64, f flowdata.Flow) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok {
		return false
	}
	e.Flow = f
	t.entries[hash] = e
	return true
}

// Insert adds a new entry keyed by hash. Fails with ErrMapInsertFailed if
// the table is at MaxActiveFlows capacity.
func (t *MemTable) Insert(hash uint64, key flowdata.FlowKey, f flowdata.Flow) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[hash]; !exists && len(t.entries) >= MaxActiveFlows {
		return xlberr.ErrMapInsertFailed
	}

	t.entries[hash] = Entry{Key: key, Flow: f}
	return nil
}

// Delete removes the entry at hash, if present. Deleting an absent entry
// is not an error: the sweeper may race with a second deletion of the same
// pair via the counter-flow hash.
func (t *MemTable) Delete(hash uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, hash)
	return nil
}

// Iterate calls visit for every entry. visit returning false stops the
// iteration early. Only used by userspace (the maintenance loop).
func (t *MemTable) Iterate(visit func(hash uint64, f flowdata.Flow) bool) {
	t.mu.Lock()
	snapshot := make(map[uint64]flowdata.Flow, len(t.entries))
	for h, e := range t.entries {
		snapshot[h] = e.Flow
	}
	t.mu.Unlock()

	for h, f := range snapshot {
		if !visit(h, f) {
			return
		}
	}
}

// Len returns the current number of entries.
func (t *MemTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
