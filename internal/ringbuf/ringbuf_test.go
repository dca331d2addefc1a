package ringbuf

import (
	"math/rand"
	"testing"
)

func TestPushPopRoundTrip(t *testing.T) {
	b := New(16)
	n := b.Push([]byte("hello"))
	if n != 5 {
		t.Fatalf("Push returned %d, want 5", n)
	}
	if b.Available() != 5 {
		t.Fatalf("Available() = %d, want 5", b.Available())
	}
	dst := make([]byte, 5)
	got := b.Pop(dst)
	if got != 5 || string(dst) != "hello" {
		t.Fatalf("Pop() = %d %q, want 5 \"hello\"", got, dst)
	}
	if b.Available() != 0 {
		t.Fatalf("expected empty buffer after full pop, got %d", b.Available())
	}
}

func TestPartialPushOnFullBuffer(t *testing.T) {
	b := New(4)
	n := b.Push([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("Push returned %d, want 4 (capacity-limited)", n)
	}
	if b.Free() != 0 {
		t.Fatalf("Free() = %d, want 0", b.Free())
	}
}

func TestWrapAround(t *testing.T) {
	b := New(8)
	b.Push([]byte("ABCDEF")) // 6 bytes, 2 free
	out := make([]byte, 4)
	b.Pop(out) // consume 4, tail advances to 4
	b.Push([]byte("GH"))     // fills the last 2 slots of the array; head wraps to 0
	b.Push([]byte("IJ"))     // further writes must wrap around the origin

	all := make([]byte, b.Available())
	got := b.Pop(all)
	want := "EFGHIJ"
	if string(all[:got]) != want {
		t.Fatalf("after wraparound got %q, want %q", all[:got], want)
	}
}

func TestInvariantBytesAvailablePlusFreeEqualsCapacity(t *testing.T) {
	b := New(32)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		if b.Available() != b.Capacity()-b.Free() {
			t.Fatalf("invariant violated: available=%d capacity=%d free=%d", b.Available(), b.Capacity(), b.Free())
		}
		if rng.Intn(2) == 0 {
			buf := make([]byte, rng.Intn(10)+1)
			b.Push(buf)
		} else {
			dst := make([]byte, rng.Intn(10)+1)
			b.Pop(dst)
		}
	}
}

func TestResetOnDrain(t *testing.T) {
	b := New(8)
	b.Push([]byte("abcd"))
	dst := make([]byte, 4)
	b.Pop(dst)
	// Tail caught up with head exactly: both should reset to origin so the
	// next write gets the full linear span.
	span := b.PeekLinearWrite()
	if len(span) != 8 {
		t.Fatalf("expected full linear span of 8 after drain, got %d", len(span))
	}
}

func TestBumpHeadRefusesOverrun(t *testing.T) {
	b := New(4)
	if err := b.BumpHead(5); err == nil {
		t.Fatalf("expected error bumping head past free space")
	}
}

func TestBumpTailRefusesOverrun(t *testing.T) {
	b := New(4)
	b.Push([]byte("ab"))
	if err := b.BumpTail(3); err == nil {
		t.Fatalf("expected error bumping tail past available data")
	}
}

func TestFindAcrossWrap(t *testing.T) {
	b := New(8)
	b.Push([]byte("ABCDEF"))
	dst := make([]byte, 4)
	b.Pop(dst)
	b.Push([]byte("GHIJ")) // wraps: buffer now holds "EFGHIJ"
	idx := b.Find([]byte("GH"))
	if idx != 2 {
		t.Fatalf("Find(\"GH\") = %d, want 2", idx)
	}
	if b.Find([]byte("ZZ")) != -1 {
		t.Fatalf("expected -1 for missing needle")
	}
}

func TestMemcmpTail(t *testing.T) {
	b := New(32)
	b.Push([]byte("GET / HTTP/1.1\r\n\r\n"[:18]))
	if !b.MemcmpTail([]byte("\r\n\r\n")) {
		t.Fatalf("expected tail to match terminator sequence")
	}
	if b.MemcmpTail([]byte("XXXX")) {
		t.Fatalf("expected mismatch on wrong terminator")
	}
}

func TestFlush(t *testing.T) {
	b := New(8)
	b.Push([]byte("data"))
	b.Flush()
	if b.Available() != 0 {
		t.Fatalf("expected 0 available after Flush, got %d", b.Available())
	}
	if b.Free() != b.Capacity() {
		t.Fatalf("expected full capacity free after Flush")
	}
}

