// Package topiccache materializes the cloud-provided topic templates
// returned by the password exchange into concrete topic strings keyed by a
// fixed set of logical names, splicing in the agent's claim id wherever a
// template contains the literal placeholder.
package topiccache

import (
	"fmt"
	"strings"

	"github.com/netdata/aclk"
)

// Name is a logical topic identifier the rest of the core addresses
// topics by, instead of carrying raw strings around.
type Name int

const (
	NameUnknown Name = iota
	NameCommand
	NameAgentConnection
	NameCreateNodeInstance
	NameNodeInstanceConnection
	NameChartAndDimsUpdated
	NameChartConfigsUpdated
	NameResetCharts
	NameChartRetentionUpdated
	NameNodeInstanceInfo
	NameAlarmLog
	NameAlarmHealth
	NameAlarmConfig
	NameAlarmSnapshot
	NameNodeInstanceCollectors
	NameContextsSnapshot
	NameContextsUpdated
	NameInboxCommand
)

var logicalNames = map[string]Name{
	"command":                   NameCommand,
	"agent-connection":          NameAgentConnection,
	"create-node-instance":      NameCreateNodeInstance,
	"node-instance-connection":  NameNodeInstanceConnection,
	"chart-and-dims-updated":    NameChartAndDimsUpdated,
	"chart-configs-updated":     NameChartConfigsUpdated,
	"reset-charts":              NameResetCharts,
	"chart-retention-updated":   NameChartRetentionUpdated,
	"node-instance-info":        NameNodeInstanceInfo,
	"alarm-log":                 NameAlarmLog,
	"alarm-health":              NameAlarmHealth,
	"alarm-config":              NameAlarmConfig,
	"alarm-snapshot":            NameAlarmSnapshot,
	"node-instance-collectors":  NameNodeInstanceCollectors,
	"contexts-snapshot":        NameContextsSnapshot,
	"contexts-updated":         NameContextsUpdated,
	"inbox-cmd-v1":             NameInboxCommand,
}

// compulsoryNames must all resolve to a topic after a bootstrap, or the
// core refuses to proceed to Connecting.
var compulsoryNames = []string{
	"command", "agent-connection", "create-node-instance",
	"node-instance-connection", "chart-and-dims-updated",
	"chart-configs-updated", "reset-charts", "chart-retention-updated",
	"node-instance-info", "alarm-log", "alarm-health", "alarm-config",
	"alarm-snapshot", "node-instance-collectors", "contexts-snapshot",
	"contexts-updated", "inbox-cmd-v1",
}

const claimIDPlaceholder = "#{claim_id}"

// Entry is one resolved (logical name, concrete topic) pair.
type Entry struct {
	Name  Name
	Topic string
}

// TopicListItem is one row of the topic list returned by the password
// exchange, before resolution.
type TopicListItem struct {
	LogicalName string
	Template    string
}

// Cache holds the resolved topic set for one bootstrap session. It is
// built once per successful bootstrap and read thereafter; callers never
// mutate it in place, they replace it on the next bootstrap.
type Cache struct {
	entries []Entry
}

// ErrMissingCompulsoryTopic names a compulsory logical topic name absent
// from the resolved set.
type ErrMissingCompulsoryTopic struct {
	LogicalName string
}

func (e *ErrMissingCompulsoryTopic) Error() string {
	return fmt.Sprintf("topiccache: missing compulsory topic %q", e.LogicalName)
}

// Build resolves items against claimID, logging and skipping unrecognized
// logical names, then verifies every compulsory name resolved.
func Build(items []TopicListItem, claimID string, log aclk.Logger) (*Cache, error) {
	c := &Cache{}
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		name, ok := logicalNames[item.LogicalName]
		if !ok {
			if log != nil {
				log.Warn("topiccache: unknown logical topic name, ignoring", "name", item.LogicalName)
			}
			continue
		}
		topic := item.Template
		if strings.Contains(topic, claimIDPlaceholder) {
			topic = strings.ReplaceAll(topic, claimIDPlaceholder, claimID)
		}
		c.entries = append(c.entries, Entry{Name: name, Topic: topic})
		seen[item.LogicalName] = true
	}

	for _, required := range compulsoryNames {
		if !seen[required] {
			return nil, &ErrMissingCompulsoryTopic{LogicalName: required}
		}
	}
	return c, nil
}

// TopicFor is the only lookup surface the event loop and encoders use. A
// linear scan over the small cached array is intentional: the array is a
// few dozen entries at most and rebuilt only once per bootstrap.
func (c *Cache) TopicFor(name Name) (string, bool) {
	for _, e := range c.entries {
		if e.Name == name {
			return e.Topic, true
		}
	}
	return "", false
}

// All returns every cached entry for diagnostics (e.g. the status surface).
func (c *Cache) All() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
