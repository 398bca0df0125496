package batchlist

import (
	"slices"
	"testing"

	"github.com/kolkov/framedescr/internal/frames/descr"
)

func newBatch(t *testing.T, n int, base uintptr) *descr.Batch {
	t.Helper()

	var b descr.Builder
	for i := range n {
		if err := b.Add(descr.Record{RetAddr: base + uintptr(i)*16, FrameSize: 16}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	batch, err := b.Batch()
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	return batch
}

// TestFromBatches verifies list order is the reverse of the input order.
func TestFromBatches(t *testing.T) {
	a, b, c := newBatch(t, 1, 0x1000), newBatch(t, 2, 0x2000), newBatch(t, 3, 0x3000)

	l := FromBatches([]*descr.Batch{a, b, c})

	got := slices.Collect(All(l))
	want := []*descr.Batch{c, b, a}
	if !slices.Equal(got, want) {
		t.Errorf("list order = %v, want %v", got, want)
	}

	if Len(l) != 3 {
		t.Errorf("Len() = %d, want 3", Len(l))
	}
	if Count(l) != 6 {
		t.Errorf("Count() = %d, want 6", Count(l))
	}
	if Tail(l).Batch != a {
		t.Error("Tail() is not the first input batch")
	}
}

// TestEmptyList verifies helpers accept a nil list.
func TestEmptyList(t *testing.T) {
	if Tail(nil) != nil || Len(nil) != 0 || Count(nil) != 0 {
		t.Error("nil list helpers returned non-zero results")
	}
	if Contains(nil, newBatch(t, 1, 0x1000)) {
		t.Error("Contains(nil) = true")
	}
}

// TestUnlink verifies removal from the head, middle and tail.
func TestUnlink(t *testing.T) {
	batches := make([]*descr.Batch, 5)
	for i := range batches {
		batches[i] = newBatch(t, 1, uintptr(0x1000*(i+1)))
	}
	head := FromBatches(batches) // order: 4 3 2 1 0

	removed := Unlink(&head, []*descr.Batch{batches[4], batches[2], batches[0]})
	if removed != 3 {
		t.Fatalf("Unlink removed %d, want 3", removed)
	}

	got := slices.Collect(All(head))
	want := []*descr.Batch{batches[3], batches[1]}
	if !slices.Equal(got, want) {
		t.Errorf("remaining = %v, want %v", got, want)
	}

	for _, b := range []*descr.Batch{batches[4], batches[2], batches[0]} {
		if Contains(head, b) {
			t.Errorf("batch %p still present after Unlink", b)
		}
	}
}

// TestUnlink_Missing verifies batches not in the list are ignored.
func TestUnlink_Missing(t *testing.T) {
	a, b := newBatch(t, 1, 0x1000), newBatch(t, 1, 0x2000)
	head := FromBatches([]*descr.Batch{a})

	if removed := Unlink(&head, []*descr.Batch{b}); removed != 0 {
		t.Errorf("Unlink removed %d, want 0", removed)
	}
	if !Contains(head, a) {
		t.Error("unrelated batch was removed")
	}
}

// TestUnlink_DoesNotModifyInput verifies the caller's slice is left intact.
func TestUnlink_DoesNotModifyInput(t *testing.T) {
	a, b, c := newBatch(t, 1, 0x1000), newBatch(t, 1, 0x2000), newBatch(t, 1, 0x3000)
	head := FromBatches([]*descr.Batch{a, b, c})

	in := []*descr.Batch{a, b}
	Unlink(&head, in)

	if in[0] != a || in[1] != b {
		t.Error("Unlink reordered its input")
	}
	if Len(head) != 1 || head.Batch != c {
		t.Error("Unlink left the wrong node")
	}
}
