package outqueue

import (
	"errors"
	"testing"

	"github.com/netdata/aclk"
)

func q(dedup string) *aclk.Query {
	return &aclk.Query{Type: aclk.QueryNodeStateUpdate, DedupID: dedup}
}

func TestFIFOOrderWithoutDedup(t *testing.T) {
	qu := New(0)
	a, b, c := q(""), q(""), q("")
	for _, x := range []*aclk.Query{a, b, c} {
		if err := qu.Enqueue(x); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	got1, _ := qu.Dequeue()
	got2, _ := qu.Dequeue()
	got3, _ := qu.Dequeue()
	if got1 != a || got2 != b || got3 != c {
		t.Fatalf("FIFO order violated")
	}
	if _, ok := qu.Dequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestLockRejectsEnqueueAndFlushEmptiesQueue(t *testing.T) {
	qu := New(0)
	qu.Enqueue(q(""))
	qu.Lock()
	if err := qu.Enqueue(q("")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	drained := qu.Flush()
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained item, got %d", len(drained))
	}
	if qu.Len() != 0 {
		t.Fatalf("queue should own no records after flush")
	}
}

func TestDedupCollapsesLaterWins(t *testing.T) {
	qu := New(0)
	first := q("d1")
	second := q("d1")
	qu.Enqueue(first)
	qu.Enqueue(second)
	if qu.Len() != 1 {
		t.Fatalf("expected dedup collapse to 1 entry, got %d", qu.Len())
	}
	got, _ := qu.Dequeue()
	if got != second {
		t.Fatalf("expected the later insert to win")
	}
}

func TestDedupDoesNotReorder(t *testing.T) {
	qu := New(0)
	a := q("")
	dup1 := q("d1")
	b := q("")
	dup2 := q("d1")
	qu.Enqueue(a)
	qu.Enqueue(dup1)
	qu.Enqueue(b)
	qu.Enqueue(dup2) // collapses into dup1's position, between a and b

	got1, _ := qu.Dequeue()
	got2, _ := qu.Dequeue()
	got3, _ := qu.Dequeue()
	if got1 != a || got2 != dup2 || got3 != b {
		t.Fatalf("dedup collapse reordered the queue")
	}
}

func TestCapacityBound(t *testing.T) {
	qu := New(2)
	qu.Enqueue(q(""))
	qu.Enqueue(q(""))
	if err := qu.Enqueue(q("")); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestBatchQueueThreshold(t *testing.T) {
	bq := NewBatchQueue()
	var ready bool
	for i := 0; i < BatchThreshold; i++ {
		ready = bq.Add(q(""))
	}
	if !ready {
		t.Fatalf("expected ready at threshold")
	}
	items := bq.TakeAll()
	if len(items) != BatchThreshold {
		t.Fatalf("got %d items, want %d", len(items), BatchThreshold)
	}
	if bq.Len() != 0 {
		t.Fatalf("expected empty batch after TakeAll")
	}
}
