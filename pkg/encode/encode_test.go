package encode

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/topiccache"
)

func buildCache(t *testing.T) *topiccache.Cache {
	t.Helper()
	var items []topiccache.TopicListItem
	for _, n := range []string{
		"command", "agent-connection", "create-node-instance",
		"node-instance-connection", "chart-and-dims-updated",
		"chart-configs-updated", "reset-charts", "chart-retention-updated",
		"node-instance-info", "alarm-log", "alarm-health", "alarm-config",
		"alarm-snapshot", "node-instance-collectors", "contexts-snapshot",
		"contexts-updated", "inbox-cmd-v1",
	} {
		items = append(items, topiccache.TopicListItem{LogicalName: n, Template: "/agent/" + n})
	}
	c, err := topiccache.Build(items, "claim-1", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return c
}

func TestEncodeAgentConnectionUpdate(t *testing.T) {
	e := &Encoder{Topics: buildCache(t)}
	q := &aclk.Query{
		Type: aclk.QueryAgentConnUpdate,
		Payload: aclk.Payload{
			Structured: AgentConnection{ClaimID: "claim-1", SessionID: 42, Reachable: true},
		},
	}
	topic, body, err := e.Encode(q)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if topic != "/agent/agent-connection" {
		t.Fatalf("got topic %q", topic)
	}
	var got AgentConnection
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Reachable || got.SessionID != 42 {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodePreEncodedPassthrough(t *testing.T) {
	e := &Encoder{Topics: buildCache(t)}
	q := &aclk.Query{
		Type: aclk.QueryAgentConnUpdate,
		Payload: aclk.Payload{
			Topic:   "/explicit/topic",
			Encoded: []byte(`{"already":"encoded"}`),
		},
	}
	topic, body, err := e.Encode(q)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if topic != "/explicit/topic" || string(body) != `{"already":"encoded"}` {
		t.Fatalf("got topic=%q body=%q", topic, body)
	}
}

func TestEncodeLWTSharesEncoder(t *testing.T) {
	live, err := EncodeAgentConnection(AgentConnection{ClaimID: "c", SessionID: 1, Reachable: true})
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	lwt, err := EncodeAgentConnection(AgentConnection{ClaimID: "c", SessionID: 1, Reachable: false, LWT: true})
	if err != nil {
		t.Fatalf("lwt: %v", err)
	}
	var liveRec, lwtRec AgentConnection
	json.Unmarshal(live, &liveRec)
	json.Unmarshal(lwt, &lwtRec)
	if liveRec.Reachable == lwtRec.Reachable {
		t.Fatalf("expected differing reachable flags")
	}
	if lwtRec.SessionID != liveRec.SessionID {
		t.Fatalf("session id should match between live and LWT")
	}
}

func TestEncodeUnresolvedTopic(t *testing.T) {
	e := &Encoder{Topics: &topiccache.Cache{}}
	q := &aclk.Query{Type: aclk.QueryAgentConnUpdate, Payload: aclk.Payload{Structured: AgentConnection{}}}
	_, _, err := e.Encode(q)
	var target *ErrUnresolvedTopic
	if !errors.As(err, &target) {
		t.Fatalf("expected ErrUnresolvedTopic, got %v", err)
	}
}

func TestEncodeUnknownPayloadType(t *testing.T) {
	e := &Encoder{Topics: buildCache(t)}
	q := &aclk.Query{Type: aclk.QueryAgentConnUpdate, Payload: aclk.Payload{Structured: "not-the-right-type"}}
	_, _, err := e.Encode(q)
	var target *ErrUnknownPayload
	if !errors.As(err, &target) {
		t.Fatalf("expected ErrUnknownPayload, got %v", err)
	}
}
