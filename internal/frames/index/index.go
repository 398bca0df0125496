package index

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/framedescr/internal/frames/batchlist"
	"github.com/kolkov/framedescr/internal/frames/descr"
)

// MinCapacity is the smallest slot count Build ever chooses.
const MinCapacity = 4

var (
	// ErrOutOfMemory indicates the slot array for a table could not be
	// allocated: the required capacity overflows or exceeds the configured
	// slot limit.
	ErrOutOfMemory = errors.New("index: out of memory")

	// ErrInvariant indicates CheckInvariants found a broken table.
	ErrInvariant = errors.New("index: invariant violated")
)

// tombstone marks a slot that held a descriptor which has been removed.
//
// Its RetAddr is its own address, which no real return address can equal,
// so a probe never mistakes it for a hit. Probes continue past it.
var tombstone descr.Descr

func init() {
	tombstone.RetAddr = uintptr(unsafe.Pointer(&tombstone))
}

// IsTombstone reports whether d is the removed-slot marker.
func IsTombstone(d *descr.Descr) bool {
	return d == &tombstone
}

// Table is an open-addressed hash table from return address to descriptor.
//
// Each slot is one of:
//   - nil: never used; terminates a probe
//   - the tombstone: used, then removed; probes continue past it
//   - a descriptor pointer into registered batch memory
//
// Invariants:
//   - Capacity() is 0 or a power of two
//   - 2*(Count()+Tombstones()) <= Capacity() whenever Capacity() > 0
//   - every live descriptor is reachable by linear probing from its
//     home slot without crossing a nil slot
//
// The load bound keeps at least half the slots nil, which bounds probe
// sequences and guarantees every insertion finds a free slot.
//
// Concurrency: Find may run concurrently with Fill and Invalidate. Every
// intermediate state produced by a single slot store is a valid table from a
// reader's point of view. Fill, Invalidate and AddCount must be serialized
// by the caller. Capacity never changes; growing means building a new Table.
type Table struct {
	mask       uintptr
	slots      []atomic.Pointer[descr.Descr]
	count      atomic.Int64
	tombstones atomic.Int64
}

// CapacityFor returns the capacity Build chooses for n descriptors: the
// smallest power of two that is at least 2*n and at least MinCapacity.
// ok is false if that capacity does not fit in an int.
func CapacityFor(n int) (capacity int, ok bool) {
	if n < 0 || n > math.MaxInt/2 {
		return 0, false
	}
	capacity = MinCapacity
	for capacity < 2*n {
		if capacity > math.MaxInt/2 {
			return 0, false
		}
		capacity *= 2
	}
	return capacity, true
}

// Build allocates a table sized for every descriptor in list and inserts
// them all, in list order and record order.
//
// maxSlots limits the slot array; 0 means no limit. If the required
// capacity exceeds the limit, Build returns ErrOutOfMemory and allocates
// nothing.
//
// The returned table is not yet visible to anyone; publishing it (an atomic
// pointer store) makes every slot written here visible to readers that load
// it.
func Build(list *batchlist.Node, maxSlots int) (*Table, error) {
	n := batchlist.Count(list)

	capacity, ok := CapacityFor(n)
	if !ok || (maxSlots > 0 && capacity > maxSlots) {
		return nil, fmt.Errorf("%w: %d descriptors need %d slots (limit %d)", ErrOutOfMemory, n, capacity, maxSlots)
	}

	t := &Table{
		mask:  uintptr(capacity - 1),
		slots: make([]atomic.Pointer[descr.Descr], capacity),
	}
	t.count.Store(int64(n))
	t.Fill(list)

	return t, nil
}

// Fill inserts every descriptor of every batch in list.
//
// Each descriptor goes into the first nil or tombstone slot on its probe
// sequence. Fill does not update Count; the caller adds the increase once
// the whole list is in.
//
// The caller must guarantee the table has room: the load bound must still hold after the insertion.
func (t *Table) Fill(list *batchlist.Node) {
	for b := range batchlist.All(list) {
		b.Each(func(d *descr.Descr) bool {
			t.insert(d)
			return true
		})
	}
}

// insert stores d in the first free slot of its probe sequence.
func (t *Table) insert(d *descr.Descr) {
	h := descr.Hash(d.RetAddr, t.mask)
	for {
		e := t.slots[h].Load()
		if e == nil {
			t.slots[h].Store(d)
			return
		}
		if e == &tombstone {
			t.slots[h].Store(d)
			t.tombstones.Add(-1)
			return
		}
		h = (h + 1) & t.mask
	}
}

// Find returns the descriptor for return address pc, or nil if none.
//
// Algorithm:
//  1. Start at the home slot Hash(pc)
//  2. nil slot → not found (code without frame info is legitimate)
//  3. descriptor with RetAddr == pc → found
//  4. otherwise (collision or tombstone) → next slot, wrapping
//
// The probe visits at most Capacity() slots, so a miss terminates even if
// a broken table has no nil slot left.
//
// Performance: Zero allocations, no locks. Expected probe length is below
// two slots thanks to the 50% load factor bound.
//
// Thread Safety: Safe for concurrent calls and concurrent with Fill and
// Invalidate.
//
//go:nosplit
func (t *Table) Find(pc uintptr) *descr.Descr {
	if len(t.slots) == 0 {
		return nil
	}

	h := descr.Hash(pc, t.mask)
	for range len(t.slots) {
		d := t.slots[h].Load()
		if d == nil {
			return nil
		}
		if d.RetAddr == pc && d != &tombstone {
			return d
		}
		h = (h + 1) & t.mask
	}
	return nil
}

// Invalidate replaces the slot holding exactly d with the tombstone and
// reports whether such a slot was found.
//
// The match is on pointer identity, not return address, so a descriptor
// from another batch with the same return address is left alone. The
// search is bounded by the capacity.
//
// A nil slot must never be written here: it would cut the probe sequence
// of every live descriptor placed after d on the same chain.
func (t *Table) Invalidate(d *descr.Descr) bool {
	if len(t.slots) == 0 {
		return false
	}

	h := descr.Hash(d.RetAddr, t.mask)
	for range len(t.slots) {
		e := t.slots[h].Load()
		if e == d {
			t.slots[h].Store(&tombstone)
			t.tombstones.Add(1)
			return true
		}
		if e == nil {
			return false
		}
		h = (h + 1) & t.mask
	}
	return false
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Count returns the number of live descriptors the table accounts for.
func (t *Table) Count() int {
	return int(t.count.Load())
}

// AddCount adjusts Count by delta.
func (t *Table) AddCount(delta int) {
	t.count.Add(int64(delta))
}

// Tombstones returns the number of slots holding the tombstone.
func (t *Table) Tombstones() int {
	return int(t.tombstones.Load())
}

// HasRoomFor reports whether increase more descriptors fit without breaking
// the load factor bound.
//
// Tombstones count against the bound like live descriptors; only a rebuild
// clears them.
func (t *Table) HasRoomFor(increase int) bool {
	return t.Capacity() >= (t.Count()+t.Tombstones()+increase)*2
}
