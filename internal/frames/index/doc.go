// Package index implements the hash table from return address to frame
// descriptor.
//
// The table is read on every frame of every stack walk, from any number of
// goroutines at once, and changes only when compiled code is loaded or
// unloaded. It is tuned for that skew:
//
//   - Open addressing with linear probing over a power-of-two slot array
//   - Load factor kept at or below 50%, so probes are short and always end
//   - Slots are atomic pointers: a lookup takes no lock and allocates nothing
//   - Removal writes a tombstone, never nil, so probe chains stay intact
//   - Growth builds a new table from scratch; a table never resizes in place
//
// # Usage
//
//	t, err := index.Build(list, 0)
//	if err != nil {
//	    return err // index.ErrOutOfMemory
//	}
//	d := t.Find(pc)
//	if d == nil {
//	    // no frame info for pc
//	}
//
// # Thread Safety
//
// Find and Stats are safe for concurrent use with each other and with one
// writer calling Fill, Invalidate or AddCount. Writers must be serialized by
// the caller (the registry's writer lock).
package index
