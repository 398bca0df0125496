package descr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// Record is the decoded form of a frame descriptor, used to build batches.
type Record struct {
	RetAddr      uintptr  // Return address identifying the call site.
	FrameSize    uint16   // Frame size in bytes; low two bits must be clear.
	ReturnToC    bool     // Boundary record; all other fields except RetAddr must be zero.
	LiveOffsets  []uint16 // Stack offsets holding live values.
	AllocLengths []uint8  // Allocation lengths in words; non-nil enables the table.
	DebugInfo    []uint32 // Debug info words; non-nil enables the section.
}

// Builder lays out records in the batch format.
//
// Builder stands in for the compiler that normally emits batches. It is used
// by tests, the batch file generator and the examples.
//
// Example:
//
//	var b descr.Builder
//	_ = b.Add(descr.Record{RetAddr: 0x401000, FrameSize: 32, LiveOffsets: []uint16{8}})
//	batch, _ := descr.NewBatch(b.Bytes())
//
// Thread Safety: NOT safe for concurrent use.
type Builder struct {
	buf []byte
	n   int
}

// Add appends r to the batch being built.
func (b *Builder) Add(r Record) error {
	if err := validateRecord(r); err != nil {
		return err
	}

	start := len(b.buf)
	hdr := make([]byte, liveOffset)
	putWord(hdr, uint64(r.RetAddr))

	frameSize := r.FrameSize
	switch {
	case r.ReturnToC:
		frameSize = ReturnToC
	default:
		if r.AllocLengths != nil {
			frameSize |= FlagAllocs
		}
		if r.DebugInfo != nil {
			frameSize |= FlagDebugInfo
		}
	}
	binary.NativeEndian.PutUint16(hdr[WordSize:], frameSize)
	binary.NativeEndian.PutUint16(hdr[WordSize+2:], uint16(len(r.LiveOffsets)))
	b.buf = append(b.buf, hdr...)

	for _, ofs := range r.LiveOffsets {
		b.buf = binary.NativeEndian.AppendUint16(b.buf, ofs)
	}
	if r.AllocLengths != nil {
		b.buf = append(b.buf, uint8(len(r.AllocLengths)))
		b.buf = append(b.buf, r.AllocLengths...)
	}
	if r.DebugInfo != nil {
		b.pad(start, 4)
		for _, info := range r.DebugInfo {
			b.buf = binary.NativeEndian.AppendUint32(b.buf, info)
		}
	}
	b.pad(start, WordSize)

	b.n++
	return nil
}

// Len returns the number of records added so far.
func (b *Builder) Len() int {
	return b.n
}

// Bytes returns the finished batch in freshly allocated, word-aligned memory.
func (b *Builder) Bytes() []byte {
	mem := AlignedBytes(int(WordSize) + len(b.buf))
	putWord(mem, uint64(b.n))
	copy(mem[WordSize:], b.buf)
	return mem
}

// Batch is a shorthand for NewBatch(b.Bytes()).
func (b *Builder) Batch() (*Batch, error) {
	return NewBatch(b.Bytes())
}

// AlignedBytes allocates n zero bytes starting on a word boundary.
func AlignedBytes(n int) []byte {
	if n == 0 {
		return nil
	}
	words := make([]uintptr, (n+int(WordSize)-1)/int(WordSize))
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), n)
}

// CopyAligned returns a word-aligned copy of b.
func CopyAligned(b []byte) []byte {
	mem := AlignedBytes(len(b))
	copy(mem, b)
	return mem
}

// pad appends zero bytes until the record starting at start is a multiple
// of a bytes long. Records start on word boundaries, so this also aligns
// the absolute position.
func (b *Builder) pad(start int, a uintptr) {
	for uintptr(len(b.buf)-start)%a != 0 {
		b.buf = append(b.buf, 0)
	}
}

func validateRecord(r Record) error {
	if r.ReturnToC {
		if r.FrameSize != 0 || r.LiveOffsets != nil || r.AllocLengths != nil || r.DebugInfo != nil {
			return errors.New("descr: return-to-C record carries frame data")
		}
		return nil
	}
	if r.FrameSize&flagMask != 0 {
		return fmt.Errorf("descr: frame size %d uses flag bits", r.FrameSize)
	}
	if r.FrameSize == ReturnToC&^flagMask {
		return fmt.Errorf("descr: frame size %d collides with the return-to-C marker", r.FrameSize)
	}
	if len(r.LiveOffsets) > 0xFFFF {
		return fmt.Errorf("descr: %d live offsets, at most 65535", len(r.LiveOffsets))
	}
	if len(r.AllocLengths) > 0xFF {
		return fmt.Errorf("descr: %d allocation lengths, at most 255", len(r.AllocLengths))
	}
	if r.DebugInfo != nil {
		want := 1
		if r.AllocLengths != nil {
			want = len(r.AllocLengths)
		}
		if len(r.DebugInfo) != want {
			return fmt.Errorf("descr: %d debug info entries, want %d", len(r.DebugInfo), want)
		}
	}
	return nil
}

// Decode returns the decoded form of d. It copies every section.
func Decode(d *Descr) Record {
	r := Record{RetAddr: d.RetAddr}
	if d.ReturnsToC() {
		r.ReturnToC = true
		return r
	}
	r.FrameSize = uint16(d.Size())
	r.LiveOffsets = append([]uint16(nil), d.LiveOffsets()...)
	if d.HasAllocs() {
		r.AllocLengths = append([]uint8{}, d.AllocLengths()...)
	}
	if d.HasDebugInfo() {
		r.DebugInfo = append([]uint32{}, d.DebugInfo()...)
	}
	return r
}
