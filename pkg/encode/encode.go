// Package encode turns the typed outbound records the rest of the core
// builds into wire bytes plus a destination topic, just before a query
// is handed to the transport for publish. The wire format itself
// (encoding/json standing in for the production protobuf schemas) is a
// thin, swappable layer: every function here only decides field shape and
// topic selection, never framing or transport.
package encode

import (
	"encoding/json"
	"fmt"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/topiccache"
)

// AgentConnection is shared by the live "reachable" update and by LWT
// construction at mqtt_connect time: the same encoder, two call sites,
// differing only in the lwt/reachable fields.
type AgentConnection struct {
	ClaimID      string   `json:"claim-id"`
	SessionID    int64    `json:"session-id"`
	Reachable    bool     `json:"reachable"`
	LWT          bool     `json:"lwt,omitempty"`
	Capabilities []string `json:"capabilities"`
}

type NodeInstanceConnection struct {
	MachineGUID string `json:"machine-guid"`
	NodeID      string `json:"node-id"`
	Live        bool   `json:"live"`
}

type CreateNodeInstance struct {
	MachineGUID string `json:"machine-guid"`
	Hostname    string `json:"hostname"`
}

type NodeInfo struct {
	NodeID string          `json:"node-id"`
	Info   json.RawMessage `json:"info"`
}

type NodeCollectors struct {
	NodeID     string          `json:"node-id"`
	Collectors json.RawMessage `json:"collectors"`
}

type ChartsAndDimsUpdated struct {
	NodeID  string          `json:"node-id"`
	SeqID   uint64          `json:"seq-id"`
	BatchID uint64          `json:"batch-id"`
	Payload json.RawMessage `json:"payload"`
}

type ChartConfigsUpdated struct {
	NodeID  string          `json:"node-id"`
	Configs json.RawMessage `json:"configs"`
}

type ResetCharts struct {
	NodeID string `json:"node-id"`
}

type RetentionUpdated struct {
	NodeID    string          `json:"node-id"`
	Retention json.RawMessage `json:"retention"`
}

type AlarmLogHealth struct {
	NodeID string          `json:"node-id"`
	Log    json.RawMessage `json:"log"`
}

type AlarmConfiguration struct {
	ConfigHash string          `json:"config-hash"`
	Config     json.RawMessage `json:"config"`
}

type AlarmSnapshot struct {
	NodeID     string          `json:"node-id"`
	ClaimID    string          `json:"claim-id"`
	SnapshotID string          `json:"snapshot-id"`
	SequenceID uint64          `json:"sequence-id"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

type AlarmLogEntry struct {
	NodeID string          `json:"node-id"`
	Entry  json.RawMessage `json:"entry"`
}

type ContextsSnapshot struct {
	NodeID  string          `json:"node-id"`
	Payload json.RawMessage `json:"payload"`
}

type ContextsUpdated struct {
	NodeID  string          `json:"node-id"`
	Payload json.RawMessage `json:"payload"`
}

// ErrUnresolvedTopic names a query whose logical topic never resolved
// against the current topic cache (e.g. bootstrap not yet complete).
type ErrUnresolvedTopic struct {
	Type aclk.QueryType
}

func (e *ErrUnresolvedTopic) Error() string {
	return fmt.Sprintf("encode: no topic resolved for query type %s", e.Type)
}

// ErrUnknownPayload names a query whose Payload.Structured didn't match
// any encoder's expected type.
type ErrUnknownPayload struct {
	Type aclk.QueryType
}

func (e *ErrUnknownPayload) Error() string {
	return fmt.Sprintf("encode: unrecognized structured payload for query type %s", e.Type)
}

// queryTopicName maps each outbound query type to the logical topic it
// publishes on.
var queryTopicName = map[aclk.QueryType]topiccache.Name{
	aclk.QueryAgentConnUpdate:        topiccache.NameAgentConnection,
	aclk.QueryNodeInstanceConnUpdate: topiccache.NameNodeInstanceConnection,
	aclk.QueryCreateNodeInstance:     topiccache.NameCreateNodeInstance,
	aclk.QueryNodeInfoUpdate:         topiccache.NameNodeInstanceInfo,
	aclk.QueryNodeCollectorsUpdate:   topiccache.NameNodeInstanceCollectors,
	aclk.QueryChartDimsUpdated:       topiccache.NameChartAndDimsUpdated,
	aclk.QueryChartConfigsUpdated:    topiccache.NameChartConfigsUpdated,
	aclk.QueryResetCharts:            topiccache.NameResetCharts,
	aclk.QueryRetentionUpdated:       topiccache.NameChartRetentionUpdated,
	aclk.QueryAlarmLogHealth:         topiccache.NameAlarmHealth,
	aclk.QueryAlarmConfiguration:     topiccache.NameAlarmConfig,
	aclk.QueryAlarmSnapshot:          topiccache.NameAlarmSnapshot,
	aclk.QueryAlarmLogEntry:          topiccache.NameAlarmLog,
	aclk.QueryContextsSnapshot:       topiccache.NameContextsSnapshot,
	aclk.QueryContextsUpdated:        topiccache.NameContextsUpdated,
}

// Encoder resolves a query's destination topic from the current topic
// cache and serializes its structured payload, or passes through an
// already-encoded payload untouched.
type Encoder struct {
	Topics *topiccache.Cache
}

// Encode returns the destination topic and wire bytes for q. If
// q.Payload.Encoded is already set, that buffer is used as-is (the
// producer pre-encoded it); otherwise Payload.Structured is dispatched to
// the matching typed encoder below.
func (e *Encoder) Encode(q *aclk.Query) (topic string, body []byte, err error) {
	if q.Payload.Topic != "" {
		topic = q.Payload.Topic
	} else {
		name, ok := queryTopicName[q.Type]
		if !ok {
			return "", nil, &ErrUnresolvedTopic{Type: q.Type}
		}
		topic, ok = e.Topics.TopicFor(name)
		if !ok {
			return "", nil, &ErrUnresolvedTopic{Type: q.Type}
		}
	}

	if q.Payload.Encoded != nil {
		return topic, q.Payload.Encoded, nil
	}

	body, err = encodeStructured(q.Type, q.Payload.Structured)
	if err != nil {
		return "", nil, err
	}
	return topic, body, nil
}

func encodeStructured(t aclk.QueryType, v interface{}) ([]byte, error) {
	switch t {
	case aclk.QueryAgentConnUpdate:
		rec, ok := v.(AgentConnection)
		if !ok {
			return nil, &ErrUnknownPayload{Type: t}
		}
		return EncodeAgentConnection(rec)
	default:
		if v == nil {
			return nil, &ErrUnknownPayload{Type: t}
		}
		return json.Marshal(v)
	}
}

// EncodeAgentConnection is the one encoder used both for the live
// reachability update and for the LWT payload at mqtt_connect time; the
// caller sets rec.LWT and rec.Reachable appropriately for each call site.
func EncodeAgentConnection(rec AgentConnection) ([]byte, error) {
	return json.Marshal(rec)
}
