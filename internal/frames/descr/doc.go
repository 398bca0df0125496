// Package descr implements the binary layout of stack frame descriptors.
//
// A frame descriptor describes one call site of compiled code: the return
// address that identifies it, the size of the frame, which stack slots hold
// live GC-traceable values at that point, and optional allocation and debug
// information. Descriptors are produced by a compiler and handed to the
// registry in batches; this package never copies them, it only reads them
// in place.
//
// # Record Layout
//
// All fields are in native byte order. A word is the size of uintptr.
//
//	retaddr    uintptr
//	frameSize  uint16          0xFFFF marks a return to unmanaged code
//	numLive    uint16
//	liveOfs    [numLive]uint16
//	if allocs: numAllocs uint8, allocLen [numAllocs]uint8
//	if debug:  align to 4, debugInfo [numAllocs or 1]uint32
//	align to word
//
// The two low bits of frameSize are flags (FlagDebugInfo, FlagAllocs); the
// frame size itself is always a multiple of the word size.
//
// # Batch Layout
//
// A batch is a word holding the record count followed by that many records:
//
//	count  uintptr
//	record 0
//	record 1
//	...
//
// # Ownership
//
// Batch memory belongs to the caller. It may live on the Go heap (see
// Builder) or in a read-only file mapping. Pointers returned by this package
// point straight into that memory and are only valid while the caller keeps
// it alive.
package descr
