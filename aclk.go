// Package aclk defines the shared domain types for the Agent-Cloud Link:
// the persistent, authenticated channel an agent uses to talk to a cloud
// control plane. Subpackages implement the individual components (proxy
// resolution, bootstrap, transport, the event loop, ...); this package
// holds the vocabulary they share.
package aclk

import (
	"context"
	"time"
)

// Logger is the structured logging seam used across every ACLK component.
// The default implementation wraps zerolog (see pkg/acklog).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// NopLogger discards everything. Useful as a zero-value default so callers
// never need a nil check.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// Encoding is the wire encoding the cloud environment descriptor selects.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// Capabilities is a membership set gating feature use, as returned by /env.
type Capabilities map[string]struct{}

func NewCapabilities(names ...string) Capabilities {
	c := make(Capabilities, len(names))
	for _, n := range names {
		c[n] = struct{}{}
	}
	return c
}

func (c Capabilities) Has(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c[name]
	return ok
}

// QueryType enumerates the outbound query kinds the queue can carry.
type QueryType int

const (
	QueryUnknown QueryType = iota
	QueryHTTPAPIRequestV2
	QueryRegisterNode
	QueryNodeStateUpdate
	QueryChartDimsUpdated
	QueryChartConfigsUpdated
	QueryResetCharts
	QueryRetentionUpdated
	QueryAlarmLogHealth
	QueryAlarmConfiguration
	QueryAlarmSnapshot
	QueryAlarmLogEntry
	QueryContextsSnapshot
	QueryContextsUpdated
	QueryAgentConnUpdate
	QueryNodeInstanceConnUpdate
	QueryCreateNodeInstance
	QueryNodeInfoUpdate
	QueryNodeCollectorsUpdate
)

func (t QueryType) String() string {
	switch t {
	case QueryHTTPAPIRequestV2:
		return "http-api-request-v2"
	case QueryRegisterNode:
		return "register-node"
	case QueryNodeStateUpdate:
		return "node-state-update"
	case QueryChartDimsUpdated:
		return "chart-dims-updated"
	case QueryChartConfigsUpdated:
		return "chart-configs-updated"
	case QueryResetCharts:
		return "reset-charts"
	case QueryRetentionUpdated:
		return "retention-updated"
	case QueryAlarmLogHealth:
		return "alarm-log-health"
	case QueryAlarmConfiguration:
		return "alarm-configuration"
	case QueryAlarmSnapshot:
		return "alarm-snapshot"
	case QueryAlarmLogEntry:
		return "alarm-log-entry"
	case QueryContextsSnapshot:
		return "contexts-snapshot"
	case QueryContextsUpdated:
		return "contexts-updated"
	case QueryAgentConnUpdate:
		return "agent-connection-update"
	case QueryNodeInstanceConnUpdate:
		return "node-instance-connection-update"
	case QueryCreateNodeInstance:
		return "create-node-instance"
	case QueryNodeInfoUpdate:
		return "node-info-update"
	case QueryNodeCollectorsUpdate:
		return "node-collectors-update"
	default:
		return "unknown"
	}
}

// Payload is the body of an outbound query: either an already-encoded
// buffer with a destination topic and a friendly name for logging, or a
// structured record a type-specific encoder turns into bytes just before
// sending.
type Payload struct {
	Topic      string
	MsgName    string
	Encoded    []byte      // set when the payload is pre-encoded
	Structured interface{} // set when an encoder must run at send time
}

// Query is the outbound query record. It is owned by exactly one
// component at a time: the producer until Enqueue, the queue until
// Dequeue, then the consuming worker until it is done with it.
type Query struct {
	Type          QueryType
	MsgID         string // UUID, present for request/response kinds
	CallbackTopic string // present when the remote must reply on a topic
	DedupID       string // optional; equal Type+DedupID may collapse
	CreatedAt     time.Time
	TimeoutMS     int
	Payload       Payload
}

// Handler processes one decoded inbound message.
type Handler func(ctx context.Context, raw []byte) error
