package topiccache

import (
	"errors"
	"testing"
)

func compulsoryItems(claimTemplate bool) []TopicListItem {
	topic := func(logical string) TopicListItem {
		tmpl := "/agent/" + logical
		if claimTemplate {
			tmpl = "/agent/#{claim_id}/" + logical
		}
		return TopicListItem{LogicalName: logical, Template: tmpl}
	}
	var items []TopicListItem
	for _, n := range compulsoryNames {
		items = append(items, topic(n))
	}
	return items
}

func TestBuildResolvesClaimIDSplice(t *testing.T) {
	items := compulsoryItems(true)
	c, err := Build(items, "claim-123", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	topic, ok := c.TopicFor(NameAgentConnection)
	if !ok {
		t.Fatalf("agent-connection not resolved")
	}
	want := "/agent/claim-123/agent-connection"
	if topic != want {
		t.Fatalf("got %q, want %q", topic, want)
	}
}

func TestBuildLeavesNonTemplatedTopicsAsIs(t *testing.T) {
	items := compulsoryItems(false)
	c, err := Build(items, "claim-123", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	topic, _ := c.TopicFor(NameCommand)
	if topic != "/agent/command" {
		t.Fatalf("got %q", topic)
	}
}

func TestBuildUnknownNameIgnored(t *testing.T) {
	items := compulsoryItems(true)
	items = append(items, TopicListItem{LogicalName: "something-new", Template: "/agent/x"})
	c, err := Build(items, "claim-123", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(c.All()) != len(compulsoryNames) {
		t.Fatalf("unknown name should have been dropped, got %d entries", len(c.All()))
	}
}

func TestBuildMissingCompulsoryTopic(t *testing.T) {
	items := compulsoryItems(true)
	items = items[1:] // drop "command"
	_, err := Build(items, "claim-123", nil)
	if err == nil {
		t.Fatalf("expected error for missing compulsory topic")
	}
	var target *ErrMissingCompulsoryTopic
	if !errors.As(err, &target) {
		t.Fatalf("wrong error type: %v", err)
	}
	if target.LogicalName != "command" {
		t.Fatalf("got %q, want %q", target.LogicalName, "command")
	}
}

func TestTopicForUnknownMissing(t *testing.T) {
	c := &Cache{}
	if _, ok := c.TopicFor(NameCommand); ok {
		t.Fatalf("expected not-found on empty cache")
	}
}
