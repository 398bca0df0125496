package descr

import (
	"unsafe"
)

const (
	// FlagDebugInfo is set in frameSize when the record carries debug info.
	FlagDebugInfo = 1

	// FlagAllocs is set in frameSize when the record carries an allocation
	// length table.
	FlagAllocs = 2

	// ReturnToC is the frameSize value of a record marking the boundary
	// between managed code and unmanaged code. Such records have no live
	// slots and no optional sections.
	ReturnToC = 0xFFFF

	flagMask = FlagDebugInfo | FlagAllocs
)

const (
	// WordSize is the size of a word (uintptr) on this platform.
	WordSize = unsafe.Sizeof(uintptr(0))

	// liveOffset is the offset of liveOfs[0] from the start of a record.
	liveOffset = WordSize + 4
)

// Descr is the fixed-size prefix of a frame descriptor record.
//
// A *Descr always points into batch memory; the variable-length sections
// (live offsets, allocation lengths, debug info) follow the prefix in place
// and are reached through the accessor methods.
//
// Memory layout (64-bit):
//   - Offset 0-7: RetAddr
//   - Offset 8-9: FrameSize (with flag bits)
//   - Offset 10-11: NumLive
//   - Offset 12+: live offsets
//
// Thread Safety: Read-only view, safe for concurrent use as long as the
// underlying batch memory stays alive.
type Descr struct {
	RetAddr   uintptr // Return address identifying the call site.
	FrameSize uint16  // Frame size in bytes, low two bits are flags.
	NumLive   uint16  // Number of live slot offsets.
}

// ReturnsToC reports whether d marks a return into unmanaged code.
func (d *Descr) ReturnsToC() bool {
	return d.FrameSize == ReturnToC
}

// HasAllocs reports whether d carries an allocation length table.
func (d *Descr) HasAllocs() bool {
	return !d.ReturnsToC() && d.FrameSize&FlagAllocs != 0
}

// HasDebugInfo reports whether d carries debug info.
func (d *Descr) HasDebugInfo() bool {
	return !d.ReturnsToC() && d.FrameSize&FlagDebugInfo != 0
}

// Size returns the frame size in bytes without the flag bits.
// Boundary records have no frame and report 0.
func (d *Descr) Size() int {
	if d.ReturnsToC() {
		return 0
	}
	return int(d.FrameSize &^ flagMask)
}

// LiveOffsets returns the stack offsets holding live values.
//
// The returned slice aliases batch memory and must not be modified.
func (d *Descr) LiveOffsets() []uint16 {
	if d.NumLive == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Add(unsafe.Pointer(d), liveOffset)), d.NumLive)
}

// AllocLengths returns the allocation length table, or nil if d has none.
//
// Each entry is the size in words of one allocation combined at this call
// site; their sum is the number of words freshly allocated before the call.
func (d *Descr) AllocLengths() []uint8 {
	if !d.HasAllocs() {
		return nil
	}
	off := d.allocsOffset()
	n := *(*uint8)(unsafe.Add(unsafe.Pointer(d), off))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint8)(unsafe.Add(unsafe.Pointer(d), off+1)), n)
}

// AllocatedWords returns the total number of words allocated before the call.
func (d *Descr) AllocatedWords() int {
	total := 0
	for _, n := range d.AllocLengths() {
		total += int(n)
	}
	return total
}

// DebugInfo returns the debug info words, or nil if d has none.
//
// Records with an allocation table carry one entry per allocation, others
// carry exactly one entry.
func (d *Descr) DebugInfo() []uint32 {
	if !d.HasDebugInfo() {
		return nil
	}
	off, n := d.debugOffset()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Add(unsafe.Pointer(d), off)), n)
}

// Next returns the record that immediately follows d in its batch.
//
// This is the only way to walk a batch: record sizes are only known by
// parsing each record in order. The caller must not call Next on the last
// record of a batch; use Batch.Each or Batch.Records to iterate safely.
//
//go:nosplit
func Next(d *Descr) *Descr {
	return (*Descr)(unsafe.Add(unsafe.Pointer(d), d.recordSize()))
}

// recordSize returns the number of bytes occupied by d, including the
// trailing alignment padding.
func (d *Descr) recordSize() uintptr {
	if d.ReturnsToC() {
		return alignUp(liveOffset, WordSize)
	}
	end := d.allocsOffset()
	if d.HasAllocs() {
		end += 1 + uintptr(*(*uint8)(unsafe.Add(unsafe.Pointer(d), end)))
	}
	if d.HasDebugInfo() {
		off, n := d.debugOffset()
		end = off + 4*n
	}
	return alignUp(end, WordSize)
}

// allocsOffset returns the offset just past the live offsets.
func (d *Descr) allocsOffset() uintptr {
	return liveOffset + 2*uintptr(d.NumLive)
}

// debugOffset returns the offset and entry count of the debug info section.
func (d *Descr) debugOffset() (off, n uintptr) {
	off = d.allocsOffset()
	n = 1
	if d.HasAllocs() {
		n = uintptr(*(*uint8)(unsafe.Add(unsafe.Pointer(d), off)))
		off += 1 + n
	}
	return alignUp(off, 4), n
}

// Hash returns the home slot of a return address in a table of mask+1 slots.
//
// The low three bits of a return address carry almost no entropy, so they
// are dropped before masking.
//
//go:nosplit
func Hash(pc, mask uintptr) uintptr {
	return (pc >> 3) & mask
}

func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}
