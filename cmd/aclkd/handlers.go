package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/inbound"
	"github.com/netdata/aclk/pkg/inflight"
	"github.com/netdata/aclk/pkg/outqueue"
	"github.com/netdata/aclk/pkg/topiccache"
)

// memNodeStore is an in-memory NodeStore good enough for the daemon
// harness; a production agent would back this with its persisted node
// registry.
type memNodeStore struct {
	mu    sync.Mutex
	nodes map[string]string
}

func newMemNodeStore() *memNodeStore {
	return &memNodeStore{nodes: make(map[string]string)}
}

func (s *memNodeStore) PutNodeID(machineGUID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[machineGUID] = nodeID
}

func (s *memNodeStore) NodeIDs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.nodes))
	for k, v := range s.nodes {
		out[k] = v
	}
	return out
}

// noopContextEngine is the stand-in for the external context-engine
// collaborator ACLK never implements itself (spec: context snapshots and
// updates are produced by the metrics engine, not ACLK).
type noopContextEngine struct{}

func (noopContextEngine) Checkpoint(ctx context.Context, raw []byte) error { return nil }
func (noopContextEngine) StopStreaming(nodeID string)                     {}

// unimplementedExecutor answers every HTTP-query with 501, standing in
// for the agent's local web API server that ACLK itself never embeds.
type unimplementedExecutor struct{}

func (unimplementedExecutor) Execute(ctx context.Context, method, path string) (int, map[string]string, []byte, error) {
	return 501, map[string]string{"Content-Type": "text/plain"}, []byte("not implemented"), nil
}

// newHandlersFactory builds a link.HandlersFactory closing over the
// daemon-lifetime collaborators (queue, tracker, log); topics, the
// publisher, the per-connection disconnect callback, and the cloud's
// capability set are rebuilt per connection attempt by Link itself and
// threaded straight into inbound.Handlers so a cloud-directed DisconnectReq
// (spec §4.K / §8 Scenario 5) and the capability gating (spec §3) are
// actually reachable in production, not just unit-tested in isolation.
func newHandlersFactory(queue *outqueue.Queue, tracker *inflight.Tracker, log aclk.Logger) func(*topiccache.Cache, inbound.Publisher, *inflight.Tracker, inbound.DisconnectCallback, aclk.Capabilities) (map[string]aclk.Handler, error) {
	nodes := newMemNodeStore()
	return func(topics *topiccache.Cache, pub inbound.Publisher, tr *inflight.Tracker, onDisconnect inbound.DisconnectCallback, cloudCapabilities aclk.Capabilities) (map[string]aclk.Handler, error) {
		if tr == nil {
			tr = tracker
		}
		httpq := &inbound.HTTPQueryHandler{
			Tracker:  tr,
			Executor: unimplementedExecutor{},
			Pub:      pub,
			Log:      log,
		}
		h := &inbound.Handlers{
			Queue:        queue,
			Nodes:        nodes,
			Contexts:     noopContextEngine{},
			HTTPQuery:    httpq,
			OnDisconnect: onDisconnect,
			Capabilities: cloudCapabilities,
			Log:          log,
		}
		built := h.Build()
		if len(built) == 0 {
			return nil, fmt.Errorf("aclkd: no inbound handlers built")
		}
		return built, nil
	}
}
