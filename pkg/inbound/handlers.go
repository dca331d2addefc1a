package inbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/outqueue"
)

// NodeStore tracks the machine_guid -> node_id mapping CreateNodeInstance
// produces and SendNodeInstances enumerates; it is the narrow slice of the
// (out-of-scope) node registry collaborator the inbound handlers need.
type NodeStore interface {
	PutNodeID(machineGUID, nodeID string)
	NodeIDs() map[string]string // machine_guid -> node_id, "" for not-yet-registered
}

// ContextEngine is the (out-of-scope) context engine collaborator that
// ContextsCheckpoint and StopStreamingContexts hand off to.
type ContextEngine interface {
	Checkpoint(ctx context.Context, raw []byte) error
	StopStreaming(nodeID string)
}

// DisconnectCallback applies a cloud-directed disconnect to the connection
// lifecycle: spec §4.K "On cloud-directed disconnect (DisconnectReq) with
// permaban=true, set the disable flag and never reconnect until restart."
type DisconnectCallback func(permaban bool, reconnectAfterS int, errorCode, errorDescription string)

// streamState is the per-node arming state for chart/alert streaming,
// populated by StreamChartsAndDimensions/StartAlarmStreaming and consulted
// by diagnostics; the actual payload production is the context/metrics
// engine's job, out of ACLK's scope.
type streamState struct {
	seqID     uint64
	batchID   uint64
	startSeq  uint64
	armedAt   time.Time
}

// Handlers builds the aclk.Handler closures for every name in the
// dispatch table (spec §4.I) other than the HTTP-query path, which lives
// in HTTPQueryHandler.
type Handlers struct {
	Queue         *outqueue.Queue
	Nodes         NodeStore
	Contexts      ContextEngine
	HTTPQuery     *HTTPQueryHandler
	OnDisconnect  DisconnectCallback
	Capabilities  aclk.Capabilities
	Log           aclk.Logger

	mu             sync.Mutex
	chartStreams   map[string]*streamState
	alarmStreams   map[string]*streamState
}

// Build returns the full name->handler map ready for inbound.New.
func (h *Handlers) Build() map[string]aclk.Handler {
	h.mu.Lock()
	if h.chartStreams == nil {
		h.chartStreams = make(map[string]*streamState)
	}
	if h.alarmStreams == nil {
		h.alarmStreams = make(map[string]*streamState)
	}
	h.mu.Unlock()

	return map[string]aclk.Handler{
		"cmd":                        h.cmd,
		"CreateNodeInstanceResult":   h.createNodeInstanceResult,
		"SendNodeInstances":          h.sendNodeInstances,
		"StreamChartsAndDimensions":  h.streamChartsAndDimensions,
		"ChartsAndDimensionsAck":     h.chartsAndDimensionsAck,
		"UpdateChartConfigs":         h.updateChartConfigs,
		"StartAlarmStreaming":        h.startAlarmStreaming,
		"SendAlarmLogHealth":         h.sendAlarmLogHealth,
		"SendAlarmConfiguration":     h.sendAlarmConfiguration,
		"SendAlarmSnapshot":          h.sendAlarmSnapshot,
		"DisconnectReq":              h.disconnectReq,
		"ContextsCheckpoint":         h.contextsCheckpoint,
		"StopStreamingContexts":      h.stopStreamingContexts,
	}
}

// cmd is the legacy JSON command envelope: decode and treat as
// HTTP-query-request v2 (spec §4.I dispatch table).
func (h *Handlers) cmd(ctx context.Context, raw []byte) error {
	return h.HTTPQuery.Handle(ctx, raw)
}

func (h *Handlers) createNodeInstanceResult(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	machineGUID := root.Get("machine-guid").String()
	nodeID := root.Get("node-id").String()
	if machineGUID == "" || nodeID == "" {
		return fmt.Errorf("inbound: CreateNodeInstanceResult missing machine-guid/node-id")
	}
	h.Nodes.PutNodeID(machineGUID, nodeID)
	return h.Queue.Enqueue(&aclk.Query{
		Type:      aclk.QueryNodeStateUpdate,
		CreatedAt: time.Now(),
		Payload:   aclk.Payload{Structured: struct{ NodeID string }{NodeID: nodeID}},
	})
}

func (h *Handlers) sendNodeInstances(ctx context.Context, raw []byte) error {
	for machineGUID, nodeID := range h.Nodes.NodeIDs() {
		q := &aclk.Query{CreatedAt: time.Now()}
		if nodeID == "" {
			q.Type = aclk.QueryRegisterNode
			q.Payload = aclk.Payload{Structured: struct{ MachineGUID string }{MachineGUID: machineGUID}}
		} else {
			q.Type = aclk.QueryNodeStateUpdate
			q.Payload = aclk.Payload{Structured: struct{ NodeID string }{NodeID: nodeID}}
		}
		if err := h.Queue.Enqueue(q); err != nil && h.Log != nil {
			h.Log.Warn("inbound: SendNodeInstances enqueue failed", "error", err, "machine_guid", machineGUID)
		}
	}
	return nil
}

func (h *Handlers) streamChartsAndDimensions(ctx context.Context, raw []byte) error {
	if h.Capabilities != nil && !h.Capabilities.Has("charts") {
		// Same capability gating as startAlarmStreaming: a missing
		// capability drops the query rather than erroring.
		return nil
	}
	root := gjson.ParseBytes(raw)
	nodeID := root.Get("node-id").String()
	h.mu.Lock()
	h.chartStreams[nodeID] = &streamState{
		seqID:   root.Get("seq-id").Uint(),
		batchID: root.Get("batch-id").Uint(),
		armedAt: time.Now(),
	}
	h.mu.Unlock()
	return nil
}

func (h *Handlers) chartsAndDimensionsAck(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	nodeID := root.Get("node-id").String()
	h.mu.Lock()
	if st, ok := h.chartStreams[nodeID]; ok {
		st.seqID = root.Get("seq-id").Uint()
	}
	h.mu.Unlock()
	return nil
}

func (h *Handlers) updateChartConfigs(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	var firstErr error
	root.Get("hashes").ForEach(func(_, hash gjson.Result) bool {
		err := h.Queue.Enqueue(&aclk.Query{
			Type:      aclk.QueryChartConfigsUpdated,
			DedupID:   hash.String(),
			CreatedAt: time.Now(),
			Payload:   aclk.Payload{Structured: struct{ Hash string }{Hash: hash.String()}},
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func (h *Handlers) startAlarmStreaming(ctx context.Context, raw []byte) error {
	if h.Capabilities != nil && !h.Capabilities.Has("alarms") {
		// Capability gating per SPEC_FULL: a capability not present drops
		// the query, same "unknown name" treatment as an unrecognized
		// dispatch entry.
		return nil
	}
	root := gjson.ParseBytes(raw)
	nodeID := root.Get("node-id").String()
	h.mu.Lock()
	h.alarmStreams[nodeID] = &streamState{
		batchID:  root.Get("batch-id").Uint(),
		startSeq: root.Get("start-seq-id").Uint(),
		armedAt:  time.Now(),
	}
	h.mu.Unlock()
	return nil
}

func (h *Handlers) sendAlarmLogHealth(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	nodeID := root.Get("node-id").String()
	return h.Queue.Enqueue(&aclk.Query{
		Type:      aclk.QueryAlarmLogHealth,
		CreatedAt: time.Now(),
		Payload:   aclk.Payload{Structured: struct{ NodeID string }{NodeID: nodeID}},
	})
}

func (h *Handlers) sendAlarmConfiguration(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	hash := root.Get("config-hash").String()
	return h.Queue.Enqueue(&aclk.Query{
		Type:      aclk.QueryAlarmConfiguration,
		DedupID:   hash,
		CreatedAt: time.Now(),
		Payload:   aclk.Payload{Structured: struct{ Hash string }{Hash: hash}},
	})
}

func (h *Handlers) sendAlarmSnapshot(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	return h.Queue.Enqueue(&aclk.Query{
		Type:      aclk.QueryAlarmSnapshot,
		CreatedAt: time.Now(),
		Payload: aclk.Payload{Structured: struct {
			NodeID     string
			ClaimID    string
			SnapshotID string
			SequenceID uint64
		}{
			NodeID:     root.Get("node-id").String(),
			ClaimID:    root.Get("claim-id").String(),
			SnapshotID: root.Get("snapshot-id").String(),
			SequenceID: root.Get("sequence-id").Uint(),
		}},
	})
}

func (h *Handlers) disconnectReq(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	if h.OnDisconnect != nil {
		h.OnDisconnect(
			root.Get("permaban").Bool(),
			int(root.Get("reconnect_after_s").Int()),
			root.Get("error_code").String(),
			root.Get("error_description").String(),
		)
	}
	return nil
}

func (h *Handlers) contextsCheckpoint(ctx context.Context, raw []byte) error {
	if h.Capabilities != nil && !h.Capabilities.Has("contexts") {
		return nil
	}
	if h.Contexts == nil {
		return nil
	}
	return h.Contexts.Checkpoint(ctx, raw)
}

func (h *Handlers) stopStreamingContexts(ctx context.Context, raw []byte) error {
	if h.Capabilities != nil && !h.Capabilities.Has("contexts") {
		return nil
	}
	if h.Contexts == nil {
		return nil
	}
	root := gjson.ParseBytes(raw)
	h.Contexts.StopStreaming(root.Get("node-id").String())
	return nil
}
