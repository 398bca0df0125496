package descr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"unsafe"
)

// ErrMalformed indicates batch memory does not hold a well-formed batch.
var ErrMalformed = errors.New("descr: malformed batch")

// Batch is a borrowed, read-only view of a batch of frame descriptors.
//
// The batch is the unit of registration: a registry indexes every record of
// a batch when the batch is registered and forgets all of them when it is
// deregistered. Batch identity is pointer identity.
//
// Thread Safety: Immutable after NewBatch, safe for concurrent use.
type Batch struct {
	mem []byte
	n   int
}

// NewBatch validates mem and returns a view of the batch it holds.
//
// mem must start on a word boundary and hold a record count followed by
// that many records. Every record is walked once here, so iteration over
// the returned batch never leaves mem.
//
// Returns an error wrapping ErrMalformed if:
//   - mem is misaligned or shorter than one word
//   - the record count is negative or does not fit in mem
//   - any record runs past the end of mem
//   - a return-to-C record has live offsets
func NewBatch(mem []byte) (*Batch, error) {
	if len(mem) < int(WordSize) {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(mem), WordSize)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%WordSize != 0 {
		return nil, fmt.Errorf("%w: memory not aligned to %d bytes", ErrMalformed, WordSize)
	}

	count := readWord(mem)
	if count > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: record count %d exceeds batch size", ErrMalformed, count)
	}

	off := int(WordSize)
	for i := range int(count) {
		size, err := recordSizeAt(mem, off)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d at offset %d: %w", ErrMalformed, i, off, err)
		}
		off += size
	}

	return &Batch{mem: mem, n: int(count)}, nil
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return b.n
}

// Bytes returns the batch memory. It must not be modified.
func (b *Batch) Bytes() []byte {
	return b.mem
}

// First returns the first record, or nil for an empty batch.
func (b *Batch) First() *Descr {
	if b.n == 0 {
		return nil
	}
	return (*Descr)(unsafe.Pointer(&b.mem[WordSize]))
}

// Each calls fn for every record in order until fn returns false.
//
// Performance: No allocations; one Next per record.
func (b *Batch) Each(fn func(d *Descr) bool) {
	d := b.First()
	for i := 0; i < b.n; i++ {
		if !fn(d) {
			return
		}
		// Never step past the last record: the result would point outside mem.
		if i+1 < b.n {
			d = Next(d)
		}
	}
}

// Records returns an iterator over the records in order.
func (b *Batch) Records() iter.Seq[*Descr] {
	return b.Each
}

// recordSizeAt computes the size of the record at mem[off:] without
// dereferencing anything outside mem.
func recordSizeAt(mem []byte, off int) (int, error) {
	ws := int(WordSize)
	hdr := off + int(liveOffset)
	if hdr > len(mem) {
		return 0, errors.New("truncated header")
	}
	frameSize := binary.NativeEndian.Uint16(mem[off+ws:])
	numLive := binary.NativeEndian.Uint16(mem[off+ws+2:])

	p := hdr
	if frameSize == ReturnToC {
		if numLive != 0 {
			return 0, fmt.Errorf("return-to-C record has %d live offsets", numLive)
		}
	} else {
		p += 2 * int(numLive)
		numAllocs := 0
		if frameSize&FlagAllocs != 0 {
			if p >= len(mem) {
				return 0, errors.New("truncated allocation table")
			}
			numAllocs = int(mem[p])
			p += 1 + numAllocs
		}
		if frameSize&FlagDebugInfo != 0 {
			n := 1
			if frameSize&FlagAllocs != 0 {
				n = numAllocs
			}
			p = int(alignUp(uintptr(p), 4)) + 4*n
		}
	}

	p = int(alignUp(uintptr(p), WordSize))
	if p > len(mem) {
		return 0, errors.New("truncated record")
	}
	return p - off, nil
}

func readWord(mem []byte) uint64 {
	if WordSize == 8 {
		return binary.NativeEndian.Uint64(mem)
	}
	return uint64(binary.NativeEndian.Uint32(mem))
}

func putWord(mem []byte, v uint64) {
	if WordSize == 8 {
		binary.NativeEndian.PutUint64(mem, v)
		return
	}
	binary.NativeEndian.PutUint32(mem, uint32(v))
}
