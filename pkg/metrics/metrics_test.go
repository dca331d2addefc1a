package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestDisabledIsNoOp(t *testing.T) {
	s := New(false, nil)
	s.IncReconnects()
	s.SetQueueDepth(5)
	s.IncDispatch("cmd")
	s.IncUnknownInbound()
	if s.ReconnectCount() != 1 {
		t.Fatalf("reconnect count should still track without Prometheus enabled")
	}
}

func TestEnabledRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(true, reg)
	s.IncReconnects()
	s.SetQueueDepth(3)
	s.IncDispatch("cmd")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected registered metric families")
	}
}

func TestOnlineFlag(t *testing.T) {
	s := New(false, nil)
	if s.Online() {
		t.Fatalf("expected offline by default")
	}
	s.SetOnline(true)
	if !s.Online() {
		t.Fatalf("expected online after SetOnline(true)")
	}
}
