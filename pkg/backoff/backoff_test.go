package backoff

import (
	"testing"
	"time"
)

func TestFirstAttemptIsZero(t *testing.T) {
	b := New(Params{Base: 2, MinS: time.Second, MaxS: 60 * time.Second})
	d := b.NextDelay(time.Now())
	if d != 0 {
		t.Fatalf("first delay = %v, want 0", d)
	}
}

func TestDelaysMonotoneBeforeReset(t *testing.T) {
	b := New(Params{Base: 2, MinS: 0, MaxS: time.Hour})
	now := time.Now()
	b.NextDelay(now) // attempt 1 -> 0

	var prevBase time.Duration
	for i := 0; i < 5; i++ {
		d := b.NextDelay(now)
		base := computeBaseDelay(2, i+2)
		if base < prevBase {
			t.Fatalf("base delay not monotone at attempt %d: %v < %v", i+2, base, prevBase)
		}
		prevBase = base
		if d < base {
			t.Fatalf("delay %v is less than its own base %v (jitter should only add)", d, base)
		}
	}
}

func TestMaxSTruncates(t *testing.T) {
	b := New(Params{Base: 10, MinS: 0, MaxS: 5 * time.Second})
	now := time.Now()
	b.NextDelay(now) // seed attempt 1
	for i := 0; i < 10; i++ {
		d := b.NextDelay(now)
		if d > 5*time.Second {
			t.Fatalf("delay %v exceeds MaxS", d)
		}
	}
}

func TestPUBACKsResetsAttempt(t *testing.T) {
	b := New(Params{Base: 2, MinS: 0, MaxS: time.Hour})
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.NextDelay(now)
	}
	if b.Attempt() == 0 {
		t.Fatalf("attempt should have advanced")
	}
	b.NotePUBACKs(stableConnectionPUBACKs)
	if b.Attempt() != 0 {
		t.Fatalf("attempt should reset after stable PUBACKs, got %d", b.Attempt())
	}
	if d := b.NextDelay(now); d != 0 {
		t.Fatalf("post-reset first delay = %v, want 0", d)
	}
}

func TestBlockedUntilWins(t *testing.T) {
	b := New(Params{Base: 2, MinS: 0, MaxS: time.Hour})
	now := time.Now()
	future := now.Add(45 * time.Second)
	b.Block(future)
	d := b.NextDelay(now)
	if d < 44*time.Second || d > 45*time.Second {
		t.Fatalf("blocked delay = %v, want ~45s", d)
	}
}

func TestDisabledRuntimeForcesFixedDelay(t *testing.T) {
	b := New(Params{Base: 2, MinS: 0, MaxS: time.Hour})
	b.SetDisabledRuntime()
	if !b.DisabledRuntime() {
		t.Fatalf("expected DisabledRuntime true")
	}
	if d := b.NextDelay(time.Now()); d != disabledRuntimeDelay {
		t.Fatalf("got %v, want %v", d, disabledRuntimeDelay)
	}
}
