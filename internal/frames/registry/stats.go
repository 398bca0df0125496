package registry

import (
	"fmt"

	"github.com/kolkov/framedescr/internal/frames/batchlist"
	"github.com/kolkov/framedescr/internal/frames/index"
)

// Stats is a snapshot of registry state and activity counters.
type Stats struct {
	Capacity int // Index slots.
	Count    int // Registered descriptors.
	Batches  int // Registered batches.

	Rebuilds uint64 // Slow-path registrations that rebuilt the index.
	FastAdds uint64 // Registrations inserted into the existing index.
	Removals uint64 // Deregister calls.
	Retries  uint64 // Rendezvous attempts that did not take place.

	Index index.Stats // Slot occupancy and probe lengths.
}

// Stats returns a consistent snapshot of the registry.
//
// Performance: O(capacity + batches); takes the writer lock. Diagnostics
// only.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table.Load()
	return Stats{
		Capacity: t.Capacity(),
		Count:    t.Count(),
		Batches:  batchlist.Len(r.list),
		Rebuilds: r.rebuilds.Load(),
		FastAdds: r.fastAdds.Load(),
		Removals: r.removals.Load(),
		Retries:  r.retries.Load(),
		Index:    t.Stats(),
	}
}

// Check verifies the index invariants and that the index accounts for
// exactly the descriptors of the registered batches.
func (r *Registry) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table.Load()
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	if n := batchlist.Count(r.list); n != t.Count() {
		return fmt.Errorf("%w: registered batches hold %d descriptors, index counts %d",
			index.ErrInvariant, n, t.Count())
	}
	return nil
}

// Readers returns the number of Find calls currently in flight.
func (r *Registry) Readers() int {
	return int(r.readers.Load())
}
