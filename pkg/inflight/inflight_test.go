package inflight

import "testing"

func TestAddCancelRemove(t *testing.T) {
	tr := New()
	tr.Add("m1")
	if tr.IsCancelled("m1") {
		t.Fatalf("freshly added entry should not be cancelled")
	}
	if !tr.Cancel("m1") {
		t.Fatalf("cancel of known id should report true")
	}
	if !tr.IsCancelled("m1") {
		t.Fatalf("expected cancelled after Cancel")
	}
	tr.Remove("m1")
	if tr.IsCancelled("m1") {
		t.Fatalf("removed entry should report not-cancelled")
	}
}

func TestCancelUnknownID(t *testing.T) {
	tr := New()
	if tr.Cancel("nope") {
		t.Fatalf("cancel of unknown id should report false")
	}
}

func TestCancelAll(t *testing.T) {
	tr := New()
	tr.Add("a")
	tr.Add("b")
	tr.CancelAll()
	if !tr.IsCancelled("a") || !tr.IsCancelled("b") {
		t.Fatalf("expected all entries cancelled")
	}
}

func TestLen(t *testing.T) {
	tr := New()
	tr.Add("a")
	tr.Add("b")
	if tr.Len() != 2 {
		t.Fatalf("got %d, want 2", tr.Len())
	}
	tr.Remove("a")
	if tr.Len() != 1 {
		t.Fatalf("got %d, want 1", tr.Len())
	}
}
