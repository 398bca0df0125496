// Package batchlist tracks the batches currently owned by a registry.
//
// The list is the source of truth for a full index rebuild: the index can
// always be reconstructed by walking every batch in the list. It is a plain
// singly linked list of nodes; all mutation happens under the registry's
// writer lock, so nothing here is synchronized.
package batchlist

import (
	"iter"

	"github.com/kolkov/framedescr/internal/frames/descr"
)

// Node is one registered batch.
type Node struct {
	Batch *descr.Batch
	Next  *Node
}

// Cons returns a new node holding b in front of tl.
func Cons(b *descr.Batch, tl *Node) *Node {
	return &Node{Batch: b, Next: tl}
}

// FromBatches builds a list holding batches. Each batch is consed onto the
// front in turn, so the list order is the reverse of the slice order.
func FromBatches(batches []*descr.Batch) *Node {
	var l *Node
	for _, b := range batches {
		l = Cons(b, l)
	}
	return l
}

// Tail returns the last node of l, or nil for an empty list.
func Tail(l *Node) *Node {
	var tail *Node
	for cur := l; cur != nil; cur = cur.Next {
		tail = cur
	}
	return tail
}

// Count returns the total number of records over every batch in l.
func Count(l *Node) int {
	n := 0
	for cur := l; cur != nil; cur = cur.Next {
		n += cur.Batch.Len()
	}
	return n
}

// Len returns the number of nodes in l.
func Len(l *Node) int {
	n := 0
	for cur := l; cur != nil; cur = cur.Next {
		n++
	}
	return n
}

// Contains reports whether b is held by some node of l.
func Contains(l *Node, b *descr.Batch) bool {
	for cur := l; cur != nil; cur = cur.Next {
		if cur.Batch == b {
			return true
		}
	}
	return false
}

// All returns an iterator over the batches of l in list order.
func All(l *Node) iter.Seq[*descr.Batch] {
	return func(yield func(*descr.Batch) bool) {
		for cur := l; cur != nil; cur = cur.Next {
			if !yield(cur.Batch) {
				return
			}
		}
	}
}

// Unlink removes from *head one node for each batch in batches and returns
// the number of nodes removed. Removed nodes are detached so they no longer
// keep the rest of the list reachable. batches is not modified.
func Unlink(head **Node, batches []*descr.Batch) int {
	pending := append([]*descr.Batch(nil), batches...)
	removed := 0

	prev := head
	for *prev != nil && len(pending) > 0 {
		cur := *prev
		i := indexOf(pending, cur.Batch)
		if i < 0 {
			prev = &cur.Next
			continue
		}

		*prev = cur.Next
		cur.Next = nil
		removed++

		// Swap-remove the matched entry; the list is short and unordered.
		last := len(pending) - 1
		pending[i] = pending[last]
		pending = pending[:last]
	}

	return removed
}

func indexOf(batches []*descr.Batch, b *descr.Batch) int {
	for i, c := range batches {
		if c == b {
			return i
		}
	}
	return -1
}
