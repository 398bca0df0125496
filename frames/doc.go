// Package frames provides the process-wide frame descriptor registry.
//
// A frame descriptor tells a stack walker, for one call site, how large the
// caller's frame is and which of its slots hold live pointers. Descriptors
// are produced in batches, one or more per compiled unit, and are looked up
// by the return address found on the stack.
//
// # Quick Start
//
//	var b frames.Builder
//	b.Add(frames.Record{RetAddr: 0x401000, FrameSize: 32, LiveOffsets: []uint16{8}})
//	batch, _ := b.Batch()
//
//	if err := frames.Init(batch); err != nil {
//		log.Fatal(err)
//	}
//	d := frames.FindFrameDescr(0x401000) // d.Size() == 32
//
// # Dynamically Loaded Code
//
// Code that is loaded after startup registers its batches and deregisters
// them before its memory is released:
//
//	frames.RegisterFrametables(batches...)
//	// ... code runs, stack walks find its frames ...
//	frames.UnregisterFrametables(batches...)
//	// no lookup refers to the batch memory any more; unmap it
//
// # API Overview
//
//   - Startup: [Init], [InitWithOptions]
//   - Loading and unloading: [RegisterFrametables], [UnregisterFrametables]
//   - Lookup: [FindFrameDescr]
//   - Stack walkers: [Rendezvous]
//   - Diagnostics: [GetStats], [Check], [GetInfo]
//
// # Concurrency
//
// FindFrameDescr is lock-free and safe to call at any time from any
// goroutine. Registration and deregistration are serialized among
// themselves and never block lookups. When a registration needs a larger
// index, the index is rebuilt while every goroutine joined to the
// [Rendezvous] group is parked at a safepoint.
//
// # Batch Memory
//
// The registry never copies or frees batch memory. A batch must stay valid
// and unchanged from registration until UnregisterFrametables returns.
package frames
