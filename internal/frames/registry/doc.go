// Package registry implements the process-wide frame descriptor registry.
//
// The registry answers one question on the hot path of every stack walk:
// given a return address, which frame descriptor describes the call site?
// Batches of descriptors are registered when compiled code is loaded and
// deregistered when it is unloaded.
//
// # Protocol
//
// Lookup (Find):
//  1. Increment the reader counter
//  2. Load the current index (atomic pointer load)
//  3. Probe until a match or an empty slot
//  4. Decrement the reader counter
//
// Registration (Register):
//  1. Under the writer lock, check the index still has room
//  2. Room: insert into the existing index, prepend to the batch list
//  3. No room: release the lock and rebuild inside a rendezvous; retry
//     from step 1 if the rendezvous did not take place
//
// Deregistration (Deregister):
//  1. Under the writer lock, tombstone every descriptor of the batches
//  2. Unlink the batches from the batch list
//  3. Release the lock and wait for the reader counter to reach zero
//
// # Memory Ordering
//
// Slots are atomic pointers and the index itself is published through an
// atomic pointer; Go atomics are sequentially consistent, which covers the
// release/acquire pairing between a writer's last store and a reader's
// first load. A rebuilt index is fully populated before it is published.
//
// # Reclamation
//
// The registry never frees batch memory. After Deregister returns the
// caller may; the reader drain guarantees no lookup still reads it.
package registry
