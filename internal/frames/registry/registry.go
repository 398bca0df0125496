package registry

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/kolkov/framedescr/internal/frames/batchlist"
	"github.com/kolkov/framedescr/internal/frames/descr"
	"github.com/kolkov/framedescr/internal/frames/index"
	"github.com/kolkov/framedescr/internal/frames/stw"
)

// Sentinel errors returned by registry operations.
var (
	// ErrEmpty indicates Register or Deregister was called without batches.
	ErrEmpty = errors.New("registry: no batches")

	// ErrAlreadyRegistered indicates a batch is registered already, or was
	// passed twice in one call. Nothing was registered.
	ErrAlreadyRegistered = errors.New("registry: batch already registered")

	// ErrNotRegistered indicates a batch passed to Deregister is not
	// registered, or was passed twice. Nothing was deregistered.
	ErrNotRegistered = errors.New("registry: batch not registered")

	// ErrOutOfMemory indicates the index could not grow. It is the same
	// value as index.ErrOutOfMemory.
	ErrOutOfMemory = index.ErrOutOfMemory
)

// Rendezvous runs a callback while every goroutine that may hold on to a
// descriptor table is stopped. stw.Group and stw.Participant implement it.
type Rendezvous interface {
	// TryRunOnAll runs fn exactly once while all participants are stopped
	// and returns true, or returns false without running fn if the
	// rendezvous did not take place this time.
	TryRunOnAll(fn func()) bool
}

// Options configures a Registry. The zero value is valid.
type Options struct {
	// Rendezvous coordinates index rebuilds. Defaults to a private
	// stw.Group with no participants.
	Rendezvous Rendezvous

	// MaxSlots limits the index slot array; 0 means no limit. A
	// registration that needs more slots fails with ErrOutOfMemory.
	MaxSlots int

	// Logger receives rebuild and removal events at V(1). The zero value
	// discards them.
	Logger logr.Logger
}

// Registry maps return addresses to frame descriptors for every registered
// batch.
//
// Architecture:
//   - table: the current index, replaced wholesale by a rebuild
//   - list: every registered batch, the input of a rebuild
//   - mu: serializes writers (Register, Deregister, rebuild body)
//   - readers: number of Find calls in flight, drained by Deregister
//
// Find never takes mu. Every slot store a writer makes to the current table
// leaves a valid table behind, and a rebuild publishes the new table with a
// single atomic pointer store, so a reader never sees a capacity that does
// not match its slot array.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	table   atomic.Pointer[index.Table]
	list    *batchlist.Node // Guarded by mu.
	readers atomic.Int64

	rv       Rendezvous
	maxSlots int
	log      logr.Logger

	rebuilds atomic.Uint64
	fastAdds atomic.Uint64
	removals atomic.Uint64
	retries  atomic.Uint64
}

// New builds a registry holding the initial batches.
//
// This is the bootstrap step: it runs before anything can look up or
// register, so it builds the index directly without a rendezvous.
//
// Returns ErrAlreadyRegistered if a batch appears twice and ErrOutOfMemory
// if the index would exceed Options.MaxSlots.
func New(opts Options, batches ...*descr.Batch) (*Registry, error) {
	r := &Registry{
		rv:       opts.Rendezvous,
		maxSlots: opts.MaxSlots,
		log:      opts.Logger,
	}
	if r.rv == nil {
		r.rv = stw.NewGroup()
	}

	if err := checkDistinct(batches, ErrAlreadyRegistered); err != nil {
		return nil, err
	}

	list := batchlist.FromBatches(batches)
	t, err := index.Build(list, r.maxSlots)
	if err != nil {
		return nil, fmt.Errorf("registry: initial index: %w", err)
	}

	r.list = list
	r.table.Store(t)

	r.log.V(1).Info("frame descriptor registry initialized",
		"batches", len(batches), "count", t.Count(), "capacity", t.Capacity())

	return r, nil
}

// Find returns the descriptor for return address pc, or nil if no
// registered batch describes pc.
//
// A nil result is not an error: code compiled without frame information
// legitimately has none.
//
// This is the hot path of every stack walk. It takes no lock, allocates
// nothing and is safe to call from any goroutine at any time, including
// concurrently with Register and Deregister.
//
// The reader counter brackets the whole probe: Deregister waits for it to
// drop to zero before returning, so once Deregister returns no Find still
// holds a pointer into the removed batches.
//
//go:nosplit
func (r *Registry) Find(pc uintptr) *descr.Descr {
	r.readers.Add(1)
	d := r.table.Load().Find(pc)
	r.readers.Add(-1)
	return d
}

// Register adds batches to the registry.
//
// When the current index has room (load factor stays at or below 50%) the
// new descriptors are inserted in place under the writer lock. Otherwise
// the index is rebuilt at a larger capacity inside a rendezvous through the
// configured Rendezvous.
//
// Every descriptor of batches is visible to Find once Register returns.
// Register never blocks Find.
//
// The caller keeps ownership of the batch memory and must keep it alive
// and unchanged until the batch is deregistered.
func (r *Registry) Register(batches ...*descr.Batch) error {
	return r.RegisterVia(r.rv, batches...)
}

// RegisterVia is Register using rv for a rebuild instead of the configured
// Rendezvous. A goroutine that is itself a participant of the registry's
// stw.Group passes its stw.Participant here. A nil rv means the configured
// Rendezvous.
func (r *Registry) RegisterVia(rv Rendezvous, batches ...*descr.Batch) error {
	if len(batches) == 0 {
		return ErrEmpty
	}
	if rv == nil {
		rv = r.rv
	}
	if err := checkDistinct(batches, ErrAlreadyRegistered); err != nil {
		return err
	}

	list := batchlist.FromBatches(batches)
	increase := batchlist.Count(list)

	for {
		r.mu.Lock()
		if err := r.checkUnregisteredLocked(batches); err != nil {
			r.mu.Unlock()
			return err
		}

		t := r.table.Load()
		if t.HasRoomFor(increase) {
			r.addLocked(t, list, increase)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		var err error
		if rv.TryRunOnAll(func() { err = r.rebuild(list, batches, increase) }) {
			return err
		}

		// Another rendezvous ran instead of ours; start over from the
		// capacity check since the index may have changed.
		r.retries.Add(1)
	}
}

// rebuild is the body of the slow-path rendezvous. Every participant is
// stopped; the writer lock keeps out writers that are not participants.
func (r *Registry) rebuild(list *batchlist.Node, batches []*descr.Batch, increase int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkUnregisteredLocked(batches); err != nil {
		return err
	}

	t := r.table.Load()
	if t.HasRoomFor(increase) {
		// A removal made room while we were waiting.
		r.addLocked(t, list, increase)
		return nil
	}

	tail := batchlist.Tail(list)
	tail.Next = r.list

	nt, err := index.Build(list, r.maxSlots)
	if err != nil {
		tail.Next = nil
		return fmt.Errorf("registry: rebuild for %d descriptors: %w", t.Count()+increase, err)
	}

	r.list = list
	r.table.Store(nt)
	r.rebuilds.Add(1)

	r.log.V(1).Info("frame descriptor index rebuilt",
		"increase", increase, "count", nt.Count(),
		"old_capacity", t.Capacity(), "capacity", nt.Capacity())

	return nil
}

// addLocked is the fast path: insert into the existing index and prepend
// list onto the registered batches.
func (r *Registry) addLocked(t *index.Table, list *batchlist.Node, increase int) {
	t.Fill(list)
	t.AddCount(increase)

	batchlist.Tail(list).Next = r.list
	r.list = list
	r.fastAdds.Add(1)

	r.log.V(1).Info("frame descriptors added",
		"increase", increase, "count", t.Count(), "capacity", t.Capacity())
}

// Deregister removes batches from the registry.
//
// Every descriptor of batches is replaced by a tombstone in the index, the
// batches are dropped from the registered list, and then Deregister waits
// until no Find is in flight. Once it returns, nothing in the registry
// refers to the batch memory and the caller may release it (unmap it,
// reuse it).
//
// Returns ErrNotRegistered, without changing anything, if a batch is not
// registered or appears twice.
func (r *Registry) Deregister(batches ...*descr.Batch) error {
	if len(batches) == 0 {
		return ErrEmpty
	}
	if err := checkDistinct(batches, ErrNotRegistered); err != nil {
		return err
	}

	r.mu.Lock()
	for _, b := range batches {
		if !batchlist.Contains(r.list, b) {
			r.mu.Unlock()
			return fmt.Errorf("%w: batch of %d descriptors", ErrNotRegistered, b.Len())
		}
	}

	t := r.table.Load()
	decrease, missing := 0, 0
	for _, b := range batches {
		b.Each(func(d *descr.Descr) bool {
			if t.Invalidate(d) {
				decrease++
			} else {
				missing++
			}
			return true
		})
	}
	t.AddCount(-decrease)
	if missing > 0 {
		r.log.Error(index.ErrInvariant, "registered descriptors missing from the index",
			"missing", missing, "decrease", decrease)
	}
	batchlist.Unlink(&r.list, batches)
	r.removals.Add(1)

	r.log.V(1).Info("frame descriptors removed",
		"decrease", decrease, "count", t.Count(), "capacity", t.Capacity())
	r.mu.Unlock()

	r.drainReaders()
	return nil
}

// drainReaders spins until no Find is in flight.
//
// A reader that loaded a slot just before it was tombstoned may still be
// about to read the descriptor's RetAddr. Lookups are a handful of loads
// long, so this wait is short.
func (r *Registry) drainReaders() {
	for r.readers.Load() != 0 {
		runtime.Gosched()
	}
}

// checkUnregisteredLocked returns ErrAlreadyRegistered if any batch is in
// the registered list. r.mu must be held.
func (r *Registry) checkUnregisteredLocked(batches []*descr.Batch) error {
	for _, b := range batches {
		if batchlist.Contains(r.list, b) {
			return fmt.Errorf("%w: batch of %d descriptors", ErrAlreadyRegistered, b.Len())
		}
	}
	return nil
}

// checkDistinct returns err if batches holds a nil or repeated batch.
func checkDistinct(batches []*descr.Batch, err error) error {
	seen := make(map[*descr.Batch]struct{}, len(batches))
	for i, b := range batches {
		if b == nil {
			return fmt.Errorf("%w: batch %d is nil", err, i)
		}
		if _, dup := seen[b]; dup {
			return fmt.Errorf("%w: batch %d passed twice", err, i)
		}
		seen[b] = struct{}{}
	}
	return nil
}
