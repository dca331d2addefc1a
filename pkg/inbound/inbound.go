// Package inbound is the inbound message router (spec §4.I): topic
// parsing, hashed-name message-type dispatch, and the hardest inbound
// path, the HTTP-query handler, in httpquery.go. Handler construction for
// the rest of the dispatch table lives in handlers.go.
package inbound

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/netdata/aclk"
)

// simpleHash hashes an inbound message type name the way the dispatch
// table's precomputed entries do: FNV-1a over the raw name bytes, checked
// for collisions once at startup rather than on every dispatch.
func simpleHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// MessageName extracts the final `/`-delimited segment of an inbound
// topic, the message type name the dispatch table keys on.
func MessageName(topic string) string {
	if idx := strings.LastIndexByte(topic, '/'); idx >= 0 {
		return topic[idx+1:]
	}
	return topic
}

// StatsSink is the narrow metrics surface the router reports dispatch
// counts and unknown-name drops through.
type StatsSink interface {
	IncDispatch(name string)
	IncUnknownInbound()
}

type dispatchEntry struct {
	name string
	fn   aclk.Handler
}

// Router dispatches one inbound publish to its registered handler. It is
// built once per successful bootstrap (handlers close over that
// bootstrap's dependencies) and is read-only thereafter except for the
// shutting-down flag, which the link's serving loop toggles when it ends
// a session.
type Router struct {
	table map[uint32]dispatchEntry

	shuttingDown bool
	log          aclk.Logger
	stats        StatsSink
}

// New builds a Router from name->handler registrations, verifying that no
// two distinct names share a simple_hash value. A collision is a fatal,
// startup-time invariant violation (spec §7 "Fatal"), so New returns an
// error rather than silently shadowing one handler with another.
func New(log aclk.Logger, stats StatsSink, handlers map[string]aclk.Handler) (*Router, error) {
	r := &Router{table: make(map[uint32]dispatchEntry, len(handlers)), log: log, stats: stats}
	for name, fn := range handlers {
		h := simpleHash(name)
		if existing, ok := r.table[h]; ok && existing.name != name {
			return nil, fmt.Errorf("inbound: simple_hash collision between %q and %q", existing.name, name)
		}
		r.table[h] = dispatchEntry{name: name, fn: fn}
	}
	return r, nil
}

// SetShuttingDown toggles whether inbound messages are dropped because a
// graceful shutdown is in progress (spec §4.I: "during teardown, further
// inbound messages are dropped").
func (r *Router) SetShuttingDown(v bool) { r.shuttingDown = v }

// Dispatch routes one inbound publish by the topic's trailing message-type
// segment. Unknown names and anything arriving mid-shutdown are dropped
// and, for unknown names, counted; Dispatch never returns an error for
// either case; only handler-level failures propagate.
func (r *Router) Dispatch(ctx context.Context, topic string, payload []byte) error {
	if r.shuttingDown {
		return nil
	}
	name := MessageName(topic)
	entry, ok := r.table[simpleHash(name)]
	if !ok || entry.name != name {
		if r.stats != nil {
			r.stats.IncUnknownInbound()
		}
		if r.log != nil {
			r.log.Warn("inbound: unknown message type, dropping", "name", name, "topic", topic)
		}
		return nil
	}
	if r.stats != nil {
		r.stats.IncDispatch(name)
	}
	return entry.fn(ctx, payload)
}
