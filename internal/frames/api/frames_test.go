package api

import (
	"errors"
	"sync"
	"testing"

	"github.com/kolkov/framedescr/internal/frames/descr"
	"github.com/kolkov/framedescr/internal/frames/registry"
)

func newBatch(t testing.TB, addrs ...uintptr) *descr.Batch {
	t.Helper()

	var b descr.Builder
	for _, a := range addrs {
		if err := b.Add(descr.Record{RetAddr: a, FrameSize: 16}); err != nil {
			t.Fatalf("Add(%#x) failed: %v", a, err)
		}
	}
	batch, err := b.Batch()
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	return batch
}

// TestBeforeInit verifies every entry point is safe before Init.
func TestBeforeInit(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	if Initialized() {
		t.Fatal("Initialized() = true after Reset")
	}
	if FindFrameDescr(0x1000) != nil {
		t.Error("FindFrameDescr before Init returned non-nil")
	}

	b := newBatch(t, 0x1000)
	if err := RegisterFrametable(b); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("RegisterFrametable = %v, want ErrNotInitialized", err)
	}
	if err := UnregisterFrametable(b); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("UnregisterFrametable = %v, want ErrNotInitialized", err)
	}
	p := Rendezvous().Join()
	defer p.Leave()
	if err := RegisterFrametablesFrom(p, b); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("RegisterFrametablesFrom = %v, want ErrNotInitialized", err)
	}
	if _, ok := Stats(); ok {
		t.Error("Stats ok before Init")
	}
	if err := Check(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Check = %v, want ErrNotInitialized", err)
	}
}

// TestInit verifies bootstrap and the double-Init guard.
func TestInit(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	prog := newBatch(t, 100, 200, 300)
	if err := Init(prog); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}

	if d := FindFrameDescr(200); d == nil || d.RetAddr != 200 {
		t.Errorf("FindFrameDescr(200) = %v", d)
	}
	s, ok := Stats()
	if !ok || s.Capacity != 8 || s.Count != 3 {
		t.Errorf("Stats() = %+v, %v; want capacity 8 count 3", s, ok)
	}
}

// TestInit_Failure verifies a failed Init can be retried.
func TestInit_Failure(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	b := newBatch(t, 0x1000, 0x2000, 0x3000)
	if err := InitWithOptions(Options{MaxSlots: 4}, b); !errors.Is(err, registry.ErrOutOfMemory) {
		t.Fatalf("Init over limit = %v, want ErrOutOfMemory", err)
	}
	if Initialized() {
		t.Fatal("failed Init left a registry behind")
	}
	if err := Init(b); err != nil {
		t.Fatalf("retried Init failed: %v", err)
	}
}

// TestLoadUnload walks a plugin lifecycle through the process registry.
func TestLoadUnload(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	if err := Init(newBatch(t, 0x1000)); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	plugin := []*descr.Batch{newBatch(t, 0x9000, 0x9010), newBatch(t, 0xa000)}
	if err := RegisterFrametables(plugin...); err != nil {
		t.Fatalf("RegisterFrametables failed: %v", err)
	}
	if FindFrameDescr(0xa000) != plugin[1].First() {
		t.Error("plugin descriptor not found after load")
	}
	if err := Check(); err != nil {
		t.Errorf("Check after load: %v", err)
	}

	if err := UnregisterFrametables(plugin...); err != nil {
		t.Fatalf("UnregisterFrametables failed: %v", err)
	}
	if FindFrameDescr(0x9000) != nil || FindFrameDescr(0xa000) != nil {
		t.Error("plugin descriptor found after unload")
	}
	if FindFrameDescr(0x1000) == nil {
		t.Error("main program descriptor lost")
	}
	if err := Check(); err != nil {
		t.Errorf("Check after unload: %v", err)
	}
}

// TestWalkerRebuild verifies a registration that rebuilds the index waits
// for joined walkers and that a walker can itself register.
func TestWalkerRebuild(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	if err := Init(newBatch(t, 0x1000)); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	walker := Rendezvous().Join()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer walker.Leave()
		for {
			select {
			case <-stop:
				return
			default:
			}
			FindFrameDescr(0x1000)
			walker.Safepoint()
		}
	}()

	if err := RegisterFrametable(newBatch(t, 0x2000, 0x3000, 0x4000, 0x5000)); err != nil {
		t.Fatalf("RegisterFrametable failed: %v", err)
	}
	close(stop)
	wg.Wait()

	self := Rendezvous().Join()
	defer self.Leave()
	if err := RegisterFrametablesFrom(self, newBatch(t, 0x6000, 0x7000, 0x8000, 0x9000, 0xa000)); err != nil {
		t.Fatalf("RegisterFrametablesFrom failed: %v", err)
	}

	s, _ := Stats()
	if s.Rebuilds != 2 || Rendezvous().Phase() != 2 {
		t.Errorf("rebuilds %d phase %d, want 2 and 2", s.Rebuilds, Rendezvous().Phase())
	}
}
