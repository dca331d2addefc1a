package inbound

import (
	"context"
	"testing"

	"github.com/netdata/aclk"
)

type countingStats struct {
	dispatched map[string]int
	unknown    int
}

func newCountingStats() *countingStats { return &countingStats{dispatched: map[string]int{}} }

func (s *countingStats) IncDispatch(name string) { s.dispatched[name]++ }
func (s *countingStats) IncUnknownInbound()       { s.unknown++ }

func TestRouterDispatchesByTrailingTopicSegment(t *testing.T) {
	var got []byte
	handlers := map[string]aclk.Handler{
		"cmd": func(ctx context.Context, raw []byte) error {
			got = raw
			return nil
		},
	}
	stats := newCountingStats()
	r, err := New(nil, stats, handlers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Dispatch(context.Background(), "agent/claim123/cmd", []byte("payload")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("handler received %q, want %q", got, "payload")
	}
	if stats.dispatched["cmd"] != 1 {
		t.Errorf("dispatched[cmd] = %d, want 1", stats.dispatched["cmd"])
	}
}

func TestRouterDropsUnknownNameAndCounts(t *testing.T) {
	stats := newCountingStats()
	r, err := New(nil, stats, map[string]aclk.Handler{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Dispatch(context.Background(), "agent/claim123/NoSuchMessage", []byte("x")); err != nil {
		t.Fatalf("Dispatch() error = %v, want nil (drop)", err)
	}
	if stats.unknown != 1 {
		t.Errorf("unknown = %d, want 1", stats.unknown)
	}
}

func TestRouterDropsDuringShutdown(t *testing.T) {
	called := false
	handlers := map[string]aclk.Handler{
		"cmd": func(ctx context.Context, raw []byte) error {
			called = true
			return nil
		},
	}
	r, err := New(nil, nil, handlers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.SetShuttingDown(true)
	if err := r.Dispatch(context.Background(), "a/b/cmd", []byte("x")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if called {
		t.Error("handler ran after SetShuttingDown(true)")
	}
}

func TestNewDetectsSimpleHashCollision(t *testing.T) {
	// "Msg539599" and "Msg722382" are distinct names with the same FNV-1a
	// 32-bit hash, so registering both must make New fail.
	a, b := "Msg539599", "Msg722382"
	if simpleHash(a) != simpleHash(b) {
		t.Fatalf("simpleHash(%q) != simpleHash(%q); the test names no longer collide", a, b)
	}
	noop := func(ctx context.Context, raw []byte) error { return nil }
	if _, err := New(nil, nil, map[string]aclk.Handler{a: noop, b: noop}); err == nil {
		t.Fatalf("New accepted two names sharing a simple_hash value")
	}
}

func TestMessageNameExtractsTrailingSegment(t *testing.T) {
	cases := map[string]string{
		"agent/claim/cmd":    "cmd",
		"cmd":                "cmd",
		"a/b/c/StartAlarmStreaming": "StartAlarmStreaming",
	}
	for topic, want := range cases {
		if got := MessageName(topic); got != want {
			t.Errorf("MessageName(%q) = %q, want %q", topic, got, want)
		}
	}
}
