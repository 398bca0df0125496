package frames

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/framedescr/internal/frames/api"
	"github.com/kolkov/framedescr/internal/frames/descr"
	"github.com/kolkov/framedescr/internal/frames/metrics"
	"github.com/kolkov/framedescr/internal/frames/registry"
	"github.com/kolkov/framedescr/internal/frames/stw"
)

// Descriptor types.
type (
	// Descr is one frame descriptor, an overlay on registered batch memory.
	Descr = descr.Descr

	// Batch is a validated view of a contiguous block of descriptors.
	Batch = descr.Batch

	// Record is the decoded form of a descriptor, used to build batches.
	Record = descr.Record

	// Builder lays out records in batch format.
	Builder = descr.Builder

	// Stats is a snapshot of the registry.
	Stats = registry.Stats

	// Options configures the registry at Init.
	Options = api.Options

	// Group is the rendezvous group stack walkers join.
	Group = stw.Group

	// Participant is a goroutine's membership in the Group.
	Participant = stw.Participant
)

// Errors.
var (
	ErrNotInitialized     = api.ErrNotInitialized
	ErrAlreadyInitialized = api.ErrAlreadyInitialized
	ErrEmpty              = registry.ErrEmpty
	ErrAlreadyRegistered  = registry.ErrAlreadyRegistered
	ErrNotRegistered      = registry.ErrNotRegistered
	ErrOutOfMemory        = registry.ErrOutOfMemory
	ErrMalformed          = descr.ErrMalformed
)

// NewBatch validates mem as a descriptor batch. mem must be word aligned;
// it is borrowed, not copied.
func NewBatch(mem []byte) (*Batch, error) {
	return descr.NewBatch(mem)
}

// Init builds the registry from the batches of the main program.
//
// Init must run once, before any other registration. A second call returns
// ErrAlreadyInitialized.
func Init(batches ...*Batch) error {
	return api.Init(batches...)
}

// InitWithOptions is Init with a slot limit and a logger.
func InitWithOptions(opts Options, batches ...*Batch) error {
	return api.InitWithOptions(opts, batches...)
}

// RegisterFrametables makes the descriptors of batches visible to lookups.
//
// Returns ErrAlreadyRegistered if a batch is registered already and
// ErrOutOfMemory if the index cannot grow; nothing is registered in either
// case.
func RegisterFrametables(batches ...*Batch) error {
	return api.RegisterFrametables(batches...)
}

// RegisterFrametable registers one batch.
func RegisterFrametable(b *Batch) error {
	return api.RegisterFrametable(b)
}

// RegisterFrametablesFrom is RegisterFrametables for a goroutine joined to
// the Rendezvous group.
func RegisterFrametablesFrom(p *Participant, batches ...*Batch) error {
	return api.RegisterFrametablesFrom(p, batches...)
}

// UnregisterFrametables removes batches. Once it returns the caller may
// release their memory.
//
// Returns ErrNotRegistered, changing nothing, if a batch is not registered.
func UnregisterFrametables(batches ...*Batch) error {
	return api.UnregisterFrametables(batches...)
}

// UnregisterFrametable removes one batch.
func UnregisterFrametable(b *Batch) error {
	return api.UnregisterFrametable(b)
}

// FindFrameDescr returns the descriptor for return address pc, or nil.
//
// Example:
//
//	for _, pc := range callers {
//		d := frames.FindFrameDescr(pc)
//		if d == nil {
//			continue // no frame information for this code
//		}
//		scan(sp, d.LiveOffsets())
//		sp += uintptr(d.Size())
//	}
func FindFrameDescr(pc uintptr) *Descr {
	return api.FindFrameDescr(pc)
}

// GetStats returns a registry snapshot; ok is false before Init.
func GetStats() (s Stats, ok bool) {
	return api.Stats()
}

// Check verifies the registry's internal invariants.
func Check() error {
	return api.Check()
}

// Rendezvous returns the group a stack walker joins so that index rebuilds
// never run in the middle of its walk.
//
//	p := frames.Rendezvous().Join()
//	defer p.Leave()
//	for walk := range walks {
//		walk()
//		p.Safepoint()
//	}
func Rendezvous() *Group {
	return api.Rendezvous()
}

// NewCollector returns a Prometheus collector for the process registry.
// It exports nothing until Init has run.
//
//	prometheus.MustRegister(frames.NewCollector())
func NewCollector() prometheus.Collector {
	return metrics.NewFuncCollector(api.Stats)
}
