package index

import (
	"fmt"
	"math/bits"

	"github.com/kolkov/framedescr/internal/frames/descr"
)

// Stats describes the occupancy of a table.
type Stats struct {
	Capacity   int     // Total slots.
	Live       int     // Slots holding a descriptor.
	Tombstones int     // Slots holding the tombstone.
	MaxProbe   int     // Longest probe sequence to reach a live descriptor.
	AvgProbe   float64 // Mean probe sequence length over live descriptors.
}

// LoadFactor returns Live/Capacity, or 0 for an empty table.
func (s Stats) LoadFactor() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Live) / float64(s.Capacity)
}

// Stats scans every slot and reports occupancy and probe lengths.
//
// This is for diagnostics only, never on a lookup path.
//
// Performance: O(Capacity).
//
// Thread Safety: Safe to call concurrently with readers; concurrent writers
// make the numbers approximate.
func (t *Table) Stats() Stats {
	s := Stats{Capacity: len(t.slots)}
	total := 0

	for i := range t.slots {
		d := t.slots[i].Load()
		switch {
		case d == nil:
		case d == &tombstone:
			s.Tombstones++
		default:
			s.Live++
			probe := t.distance(d, uintptr(i)) + 1
			total += probe
			s.MaxProbe = max(s.MaxProbe, probe)
		}
	}

	if s.Live > 0 {
		s.AvgProbe = float64(total) / float64(s.Live)
	}
	return s
}

// distance returns how far slot i is from the home slot of d.
func (t *Table) distance(d *descr.Descr, i uintptr) int {
	return int((i - descr.Hash(d.RetAddr, t.mask)) & t.mask)
}

// CheckInvariants verifies the power-of-two capacity, the load bound over
// live and tombstone slots, that a nil slot remains, probe chain
// reachability, and that Count and Tombstones match the slots.
// The caller must exclude concurrent writers.
func (t *Table) CheckInvariants() error {
	capacity := len(t.slots)
	if capacity != 0 && bits.OnesCount(uint(capacity)) != 1 {
		return fmt.Errorf("%w: capacity %d is not a power of two", ErrInvariant, capacity)
	}
	if capacity == 0 {
		return nil
	}

	count, tombs := t.Count(), t.Tombstones()
	if (count+tombs)*2 > capacity {
		return fmt.Errorf("%w: count %d plus %d tombstones exceeds half of capacity %d",
			ErrInvariant, count, tombs, capacity)
	}

	live, dead, empty := 0, 0, 0
	for i := range t.slots {
		d := t.slots[i].Load()
		switch d {
		case nil:
			empty++
			continue
		case &tombstone:
			dead++
			continue
		}
		live++

		// Walk from the home slot; every slot before i must be non-nil.
		for h := descr.Hash(d.RetAddr, t.mask); h != uintptr(i); h = (h + 1) & t.mask {
			if t.slots[h].Load() == nil {
				return fmt.Errorf("%w: descriptor %#x at slot %d unreachable past nil slot %d",
					ErrInvariant, d.RetAddr, i, h)
			}
		}
	}

	if empty == 0 {
		return fmt.Errorf("%w: no nil slot left to end a probe", ErrInvariant)
	}
	if live != count {
		return fmt.Errorf("%w: %d live slots but count is %d", ErrInvariant, live, count)
	}
	if dead != tombs {
		return fmt.Errorf("%w: %d tombstone slots but %d recorded", ErrInvariant, dead, tombs)
	}
	return nil
}
