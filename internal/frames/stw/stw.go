// Package stw implements a stop-the-world rendezvous for a group of
// goroutines.
//
// A rendezvous pauses every participant of a Group at its next safepoint,
// runs one callback exactly once on whichever goroutine arrives last, and
// then resumes everybody. It gives a writer a moment in which no
// participant is in the middle of an operation, for example a stack walker
// that holds on to a descriptor table across many lookups.
//
// Participants must call Safepoint regularly (between operations, never in
// the middle of one) or Leave the group. A participant that does neither
// blocks every rendezvous.
//
// Only one rendezvous runs at a time. A request made while another is in
// progress does not run: the requester takes part in the running one (if it
// is a participant), waits for it to finish, and gets false back. Callers
// retry until they get true.
package stw

import (
	"sync"
	"sync/atomic"
)

// Group is a set of goroutines that can be stopped together.
//
// The zero value is not usable; call NewGroup.
//
// Thread Safety: All methods are safe for concurrent use.
type Group struct {
	mu   sync.Mutex
	cond *sync.Cond

	// members is the number of joined participants. Guarded by mu.
	members int

	// req is the rendezvous in progress, nil if none. Guarded by mu.
	req *request

	// pending mirrors req != nil for the Safepoint fast path.
	pending atomic.Bool

	// phase counts completed rendezvous.
	phase atomic.Uint64
}

// request is one rendezvous.
type request struct {
	fn      func()
	need    int // Arrivals required before fn runs.
	arrived int
	done    bool
}

// Participant is a goroutine's membership in a Group.
//
// A Participant must not be used by more than one goroutine at a time.
type Participant struct {
	g    *Group
	left bool
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	g := &Group{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Join adds the calling goroutine to the group.
//
// If a rendezvous is in progress, Join waits for it to finish so the new
// participant is not counted by a request that started without it.
func (g *Group) Join() *Participant {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.req != nil {
		g.cond.Wait()
	}
	g.members++

	return &Participant{g: g}
}

// Participants returns the number of joined participants.
func (g *Group) Participants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members
}

// Phase returns the number of rendezvous that have completed.
func (g *Group) Phase() uint64 {
	return g.phase.Load()
}

// TryRunOnAll stops every participant, runs fn once, and resumes them.
//
// The caller must not be a participant of g; participants use
// Participant.TryRunOnAll instead. With no participants fn runs right away
// on the calling goroutine.
//
// Returns false without running fn if another rendezvous was in progress.
func (g *Group) TryRunOnAll(fn func()) bool {
	return g.tryRun(fn, false)
}

// TryRunOnAll is Group.TryRunOnAll for a participant: the calling
// participant counts as already stopped.
func (p *Participant) TryRunOnAll(fn func()) bool {
	if p.left {
		panic("stw: TryRunOnAll after Leave")
	}
	return p.g.tryRun(fn, true)
}

// Safepoint parks the participant if a rendezvous is requested and returns
// once it has completed. It returns immediately otherwise.
//
// Performance: One atomic load when no rendezvous is pending.
func (p *Participant) Safepoint() {
	if !p.g.pending.Load() {
		return
	}

	g := p.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.req != nil {
		g.arriveLocked()
	}
}

// Leave removes the participant from the group. A rendezvous waiting for
// it is joined first, so Leave never strands a requester.
func (p *Participant) Leave() {
	if p.left {
		return
	}
	p.left = true

	g := p.g
	g.mu.Lock()
	defer g.mu.Unlock()

	// A new request may start between one rendezvous finishing and this
	// goroutine reacquiring the lock; it counted us, so take part in it too.
	for g.req != nil {
		g.arriveLocked()
	}
	g.members--
}

func (g *Group) tryRun(fn func(), self bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r := g.req; r != nil {
		if self {
			g.arriveLocked()
		} else {
			for !r.done {
				g.cond.Wait()
			}
		}
		return false
	}

	need := g.members
	if !self {
		need++
	}
	g.req = &request{fn: fn, need: need}
	g.pending.Store(true)
	g.arriveLocked()

	return true
}

// arriveLocked records an arrival at the current rendezvous and returns
// once it has completed. The last arrival runs the callback. g.mu must be
// held; it is released while waiting and while the callback runs.
func (g *Group) arriveLocked() {
	r := g.req
	r.arrived++

	if r.arrived < r.need {
		for !r.done {
			g.cond.Wait()
		}
		return
	}

	g.runLocked(r)
}

// runLocked runs the callback of r with g.mu released, then completes r.
// The rendezvous completes even if the callback panics, so the other
// participants are released before the panic propagates.
func (g *Group) runLocked(r *request) {
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		r.done = true
		g.req = nil
		g.pending.Store(false)
		g.phase.Add(1)
		g.cond.Broadcast()
	}()

	r.fn()
}
