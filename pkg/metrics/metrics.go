// Package metrics is the boolean-gated statistics struct: when enabled,
// it registers a small set of Prometheus counters/gauges tracking
// reconnects, queue depth, and per-message-type dispatch; when disabled,
// every Prometheus update is skipped so call sites never need to check a
// flag themselves. The reconnect count and online flag behind the status
// surface are tracked either way.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics is the core's internal metrics surface. Build it with New;
// New(true, reg) also registers the Prometheus collectors.
type Statistics struct {
	enabled bool

	reconnectsTotal   prometheus.Counter
	queueDepth        prometheus.Gauge
	queryWorkersBusy  prometheus.Gauge
	dispatchByType    *prometheus.CounterVec
	inboundErrorTotal prometheus.Counter

	// onlineAtomic mirrors the connection's online flag for the status
	// surface (spec §7), which other threads read via atomics rather
	// than going through the event loop.
	onlineAtomic         int32
	reconnectCountAtomic uint64
}

// New builds a Statistics. When enabled is false, the returned value
// still satisfies every call site but skips Prometheus registration
// entirely.
func New(enabled bool, reg prometheus.Registerer) *Statistics {
	s := &Statistics{enabled: enabled}
	if !enabled {
		return s
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s.reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aclk_reconnects_total",
		Help: "Total number of ACLK reconnection attempts.",
	})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aclk_queue_depth",
		Help: "Current depth of the outbound query queue.",
	})
	s.queryWorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aclk_query_workers_busy",
		Help: "Number of HTTP-query workers currently executing a query.",
	})
	s.dispatchByType = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aclk_inbound_dispatch_total",
		Help: "Total inbound messages dispatched, by message type name.",
	}, []string{"name"})
	s.inboundErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aclk_inbound_unknown_total",
		Help: "Total inbound messages dropped for an unrecognized type name.",
	})

	reg.MustRegister(
		s.reconnectsTotal,
		s.queueDepth,
		s.queryWorkersBusy,
		s.dispatchByType,
		s.inboundErrorTotal,
	)
	return s
}

func (s *Statistics) IncReconnects() {
	atomic.AddUint64(&s.reconnectCountAtomic, 1)
	if !s.enabled {
		return
	}
	s.reconnectsTotal.Inc()
}

func (s *Statistics) SetQueueDepth(n int) {
	if !s.enabled {
		return
	}
	s.queueDepth.Set(float64(n))
}

func (s *Statistics) SetQueryWorkersBusy(n int) {
	if !s.enabled {
		return
	}
	s.queryWorkersBusy.Set(float64(n))
}

func (s *Statistics) IncDispatch(name string) {
	if !s.enabled {
		return
	}
	s.dispatchByType.WithLabelValues(name).Inc()
}

func (s *Statistics) IncUnknownInbound() {
	if !s.enabled {
		return
	}
	s.inboundErrorTotal.Inc()
}

// SetOnline and Online back the status surface's "online" field; they
// track regardless of the enabled flag, since the status surface is
// always available even with statistics:false.
func (s *Statistics) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	atomic.StoreInt32(&s.onlineAtomic, v)
}

func (s *Statistics) Online() bool {
	return atomic.LoadInt32(&s.onlineAtomic) == 1
}

// ReconnectCount is the cumulative reconnect attempt count, always
// tracked regardless of the enabled flag.
func (s *Statistics) ReconnectCount() uint64 {
	return atomic.LoadUint64(&s.reconnectCountAtomic)
}
