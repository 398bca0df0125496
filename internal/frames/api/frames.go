// Package api holds the process-wide frame descriptor registry.
//
// The runtime has exactly one registry: the batches of the main program are
// registered once at startup (Init) and dynamically loaded code registers
// and deregisters its batches as it comes and goes. Stack walkers call
// FindFrameDescr for every frame.
//
// Stack walkers that keep descriptors across many lookups Join the
// Rendezvous group and call Safepoint between walks, so an index rebuild
// never happens in the middle of one.
package api

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/kolkov/framedescr/internal/frames/descr"
	"github.com/kolkov/framedescr/internal/frames/registry"
	"github.com/kolkov/framedescr/internal/frames/stw"
)

var (
	// ErrNotInitialized indicates a registration before Init.
	ErrNotInitialized = errors.New("frames: not initialized")

	// ErrAlreadyInitialized indicates a second Init.
	ErrAlreadyInitialized = errors.New("frames: already initialized")
)

// Options configures the process registry. The zero value is valid.
type Options struct {
	// MaxSlots limits the index slot array; 0 means no limit.
	MaxSlots int

	// Logger receives registry events at V(1). Defaults to discarding them.
	Logger logr.Logger
}

// Global registry state.
//
// reg is nil until Init and never changes afterwards (except through Reset
// in tests). group exists from package init so walkers may Join before the
// registry is built.
var (
	// reg is the process registry. Loaded on every lookup.
	reg atomic.Pointer[registry.Registry]

	// group coordinates index rebuilds with stack walkers.
	group = stw.NewGroup()

	// initMu serializes Init and Reset.
	initMu sync.Mutex
)

// Init builds the process registry from the batches linked into the main
// program. It must be called once, before any other registration.
//
// Returns ErrAlreadyInitialized on a second call.
func Init(batches ...*descr.Batch) error {
	return InitWithOptions(Options{}, batches...)
}

// InitWithOptions is Init with a slot limit and a logger.
func InitWithOptions(opts Options, batches ...*descr.Batch) error {
	initMu.Lock()
	defer initMu.Unlock()

	if reg.Load() != nil {
		return ErrAlreadyInitialized
	}

	r, err := registry.New(registry.Options{
		Rendezvous: group,
		MaxSlots:   opts.MaxSlots,
		Logger:     opts.Logger,
	}, batches...)
	if err != nil {
		return err
	}

	reg.Store(r)
	return nil
}

// Initialized reports whether Init has succeeded.
func Initialized() bool {
	return reg.Load() != nil
}

// RegisterFrametables registers the batches of newly loaded code.
//
// Every descriptor is visible to FindFrameDescr once it returns. The batch
// memory must stay valid and unchanged until it is unregistered.
func RegisterFrametables(batches ...*descr.Batch) error {
	r := reg.Load()
	if r == nil {
		return ErrNotInitialized
	}
	return r.Register(batches...)
}

// RegisterFrametable registers a single batch.
func RegisterFrametable(b *descr.Batch) error {
	return RegisterFrametables(b)
}

// RegisterFrametablesFrom is RegisterFrametables for a goroutine that has
// joined the Rendezvous group; p is its membership.
func RegisterFrametablesFrom(p *stw.Participant, batches ...*descr.Batch) error {
	r := reg.Load()
	if r == nil {
		return ErrNotInitialized
	}
	return r.RegisterVia(p, batches...)
}

// UnregisterFrametables removes the batches of code about to be unloaded.
//
// Once it returns no lookup refers to the batch memory any more and the
// caller may release it.
func UnregisterFrametables(batches ...*descr.Batch) error {
	r := reg.Load()
	if r == nil {
		return ErrNotInitialized
	}
	return r.Deregister(batches...)
}

// UnregisterFrametable removes a single batch.
func UnregisterFrametable(b *descr.Batch) error {
	return UnregisterFrametables(b)
}

// FindFrameDescr returns the frame descriptor for return address pc, or nil
// if none is registered (or Init has not run).
//
// This is the hot path of every stack walk: lock-free and allocation-free.
//
//go:nosplit
func FindFrameDescr(pc uintptr) *descr.Descr {
	r := reg.Load()
	if r == nil {
		return nil
	}
	return r.Find(pc)
}

// Stats returns a snapshot of the process registry. ok is false before Init.
func Stats() (s registry.Stats, ok bool) {
	r := reg.Load()
	if r == nil {
		return registry.Stats{}, false
	}
	return r.Stats(), true
}

// Check verifies the process registry invariants.
func Check() error {
	r := reg.Load()
	if r == nil {
		return ErrNotInitialized
	}
	return r.Check()
}

// Rendezvous returns the group that stack walkers join.
func Rendezvous() *stw.Group {
	return group
}

// Reset drops the process registry so Init can run again.
//
// For tests only. No goroutine may be using the registry or be joined to
// the Rendezvous group.
func Reset() {
	initMu.Lock()
	defer initMu.Unlock()

	reg.Store(nil)
	group = stw.NewGroup()
}
