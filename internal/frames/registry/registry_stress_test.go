package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kolkov/framedescr/internal/frames/descr"
	"github.com/kolkov/framedescr/internal/frames/stw"
)

// TestRegistry_ConcurrentReadersOneWriter runs lookups in tight loops while
// a writer registers and deregisters batches of varying size, forcing both
// fast-path inserts and rebuilds.
//
// Readers must always find the stable batch, and for the churning batches
// must see either nil or the exact descriptor for the address asked.
func TestRegistry_ConcurrentReadersOneWriter(t *testing.T) {
	const (
		readers = 8
		cycles  = 200
	)
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	stableAddrs := addrRange(0x10000, 0x10000+63*16, 16)
	stable := newBatch(t, stableAddrs...)
	stableRecs := records(stable)

	g := stw.NewGroup()
	r := mustNew(t, Options{Rendezvous: g}, stable)

	var (
		stop     atomic.Bool
		failures atomic.Int64
		lookups  atomic.Int64
		wg       sync.WaitGroup
	)

	// Churning batches cover 0x80000 upwards; sizes vary per cycle.
	churnAddr := func(i int) uintptr { return 0x80000 + uintptr(i)*8 }

	for range readers {
		p := g.Join()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.Leave()

			i := 0
			for !stop.Load() {
				a := stableAddrs[i%len(stableAddrs)]
				if got := r.Find(a); got != stableRecs[a] {
					failures.Add(1)
				}

				pc := churnAddr(i % 512)
				if got := r.Find(pc); got != nil && got.RetAddr != pc {
					failures.Add(1)
				}

				if r.Find(0x7) != nil {
					failures.Add(1)
				}

				lookups.Add(3)
				i++
				if i%64 == 0 {
					p.Safepoint()
				}
			}
		}()
	}

	var live []*descr.Batch
	for c := range cycles {
		n := 1 + (c*37)%200
		start := (c * 53) % 300
		addrs := make([]uintptr, n)
		for j := range addrs {
			addrs[j] = churnAddr(start + j)
		}
		b := newBatch(t, addrs...)

		if err := r.Register(b); err != nil {
			stop.Store(true)
			wg.Wait()
			t.Fatalf("cycle %d: Register failed: %v", c, err)
		}
		live = append(live, b)

		// Keep at most three churning batches registered.
		if len(live) > 3 {
			if err := r.Deregister(live[0]); err != nil {
				stop.Store(true)
				wg.Wait()
				t.Fatalf("cycle %d: Deregister failed: %v", c, err)
			}
			live = live[1:]
		}
	}

	if err := r.Deregister(live...); err != nil {
		t.Errorf("final Deregister failed: %v", err)
	}

	stop.Store(true)
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d wrong lookups out of %d", n, lookups.Load())
	}
	checkRegistry(t, r)

	s := r.Stats()
	if s.Count != len(stableAddrs) || s.Batches != 1 {
		t.Errorf("after churn: count %d batches %d, want %d and 1", s.Count, s.Batches, len(stableAddrs))
	}
	if s.Rebuilds == 0 {
		t.Error("churn never rebuilt the index")
	}
	if r.Readers() != 0 {
		t.Errorf("Readers() = %d after all readers stopped", r.Readers())
	}
	t.Logf("lookups=%d rebuilds=%d fastAdds=%d removals=%d retries=%d capacity=%d tombstones=%d",
		lookups.Load(), s.Rebuilds, s.FastAdds, s.Removals, s.Retries, s.Capacity, s.Index.Tombstones)
}

// TestRegistry_ConcurrentWriters verifies writers serialize correctly when
// several goroutines register and deregister their own batches.
func TestRegistry_ConcurrentWriters(t *testing.T) {
	const writers = 4

	r := mustNew(t, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			base := uintptr(0x100000 * (w + 1))
			for c := range 50 {
				addrs := addrRange(base+uintptr(c)*0x1000, base+uintptr(c)*0x1000+uintptr(c%10)*8, 8)
				b := newBatch(t, addrs...)
				if err := r.Register(b); err != nil {
					errs <- err
					return
				}
				if r.Find(addrs[0]) != b.First() {
					errs <- ErrNotRegistered
					return
				}
				if err := r.Deregister(b); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("writer failed: %v", err)
	}
	checkRegistry(t, r)
	if s := r.Stats(); s.Count != 0 || s.Batches != 0 {
		t.Errorf("after writers: count %d batches %d, want 0 and 0", s.Count, s.Batches)
	}
}
