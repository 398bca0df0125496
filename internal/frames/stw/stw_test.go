package stw

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTryRunOnAll_NoParticipants verifies fn runs immediately on the caller.
func TestTryRunOnAll_NoParticipants(t *testing.T) {
	g := NewGroup()

	ran := 0
	if !g.TryRunOnAll(func() { ran++ }) {
		t.Fatal("TryRunOnAll() = false with no participants")
	}
	if ran != 1 {
		t.Errorf("fn ran %d times, want 1", ran)
	}
	if g.Phase() != 1 {
		t.Errorf("Phase() = %d, want 1", g.Phase())
	}
}

// TestTryRunOnAll_StopsParticipants verifies no participant is between
// safepoints while fn runs.
func TestTryRunOnAll_StopsParticipants(t *testing.T) {
	g := NewGroup()

	const workers = 8
	var (
		busy    atomic.Int32 // Participants currently between safepoints.
		stop    atomic.Bool
		wg      sync.WaitGroup
		started sync.WaitGroup
	)

	started.Add(workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := g.Join()
			defer p.Leave()
			started.Done()

			for !stop.Load() {
				busy.Add(1)
				time.Sleep(10 * time.Microsecond)
				busy.Add(-1)
				p.Safepoint()
			}
		}()
	}
	started.Wait()

	for i := range 20 {
		var seen int32 = -1
		for !g.TryRunOnAll(func() { seen = busy.Load() }) {
		}
		if seen != 0 {
			t.Errorf("rendezvous %d: %d participants were running", i, seen)
		}
	}

	stop.Store(true)
	wg.Wait()

	if g.Participants() != 0 {
		t.Errorf("Participants() = %d after all left, want 0", g.Participants())
	}
}

// TestTryRunOnAll_ExactlyOnce verifies concurrent requesters each run their
// callback exactly once across retries.
func TestTryRunOnAll_ExactlyOnce(t *testing.T) {
	g := NewGroup()

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		p := g.Join()
		go func() {
			defer wg.Done()
			defer p.Leave()
			for !stop.Load() {
				p.Safepoint()
				time.Sleep(time.Microsecond)
			}
		}()
	}

	const requesters = 6
	var runs [requesters]atomic.Int32
	var reqWG sync.WaitGroup
	for i := range requesters {
		reqWG.Add(1)
		go func() {
			defer reqWG.Done()
			for !g.TryRunOnAll(func() { runs[i].Add(1) }) {
			}
		}()
	}
	reqWG.Wait()

	stop.Store(true)
	wg.Wait()

	for i := range runs {
		if n := runs[i].Load(); n != 1 {
			t.Errorf("requester %d ran %d times, want 1", i, n)
		}
	}
	if g.Phase() != requesters {
		t.Errorf("Phase() = %d, want %d", g.Phase(), requesters)
	}
}

// TestParticipant_TryRunOnAll verifies a participant can request a
// rendezvous without waiting for itself.
func TestParticipant_TryRunOnAll(t *testing.T) {
	g := NewGroup()
	p := g.Join()
	defer p.Leave()

	ran := false
	done := make(chan bool, 1)
	go func() {
		done <- p.TryRunOnAll(func() { ran = true })
	}()

	select {
	case ok := <-done:
		if !ok || !ran {
			t.Errorf("TryRunOnAll() = %v, ran = %v; want true, true", ok, ran)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("participant rendezvous deadlocked")
	}
}

// TestLeave_ReleasesPendingRequest verifies a requester waiting for a
// participant completes when that participant leaves instead of polling.
func TestLeave_ReleasesPendingRequest(t *testing.T) {
	g := NewGroup()
	p := g.Join()

	done := make(chan bool, 1)
	go func() {
		done <- g.TryRunOnAll(func() {})
	}()

	// Wait for the request to be pending before leaving.
	for !g.pending.Load() {
		time.Sleep(time.Millisecond)
	}
	p.Leave()

	select {
	case ok := <-done:
		if !ok {
			t.Error("TryRunOnAll() = false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request still waiting after participant left")
	}

	if g.Participants() != 0 {
		t.Errorf("Participants() = %d, want 0", g.Participants())
	}
}

// TestSafepoint_FastPath verifies Safepoint returns immediately when idle.
func TestSafepoint_FastPath(t *testing.T) {
	g := NewGroup()
	p := g.Join()
	defer p.Leave()

	for range 1000 {
		p.Safepoint()
	}
	if g.Phase() != 0 {
		t.Errorf("Phase() = %d, want 0", g.Phase())
	}
}

// TestRunLocked_PanicReleasesParticipants verifies a panicking callback
// still completes the rendezvous.
func TestRunLocked_PanicReleasesParticipants(t *testing.T) {
	g := NewGroup()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		g.TryRunOnAll(func() { panic("boom") })
	}()

	if g.pending.Load() {
		t.Error("rendezvous still pending after panic")
	}
	if !g.TryRunOnAll(func() {}) {
		t.Error("group unusable after panic")
	}
}
