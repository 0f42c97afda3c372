package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of flow event kinds.
type EventKind string

const (
	EventAuthCheck          EventKind = "auth_check"
	EventBlockCheck         EventKind = "block_check"
	EventUsageCheck         EventKind = "usage_check"
	EventMCPPermissionCheck EventKind = "mcp_permission_check"
	EventToolFilter         EventKind = "tool_filter"
	EventLLMThinking        EventKind = "llm_thinking"
	EventToolCall           EventKind = "tool_call"
	EventToolResult         EventKind = "tool_result"
	EventLLMComplete        EventKind = "llm_complete"
	EventError              EventKind = "error"
)

// FlowEvent is a timestamped checkpoint record within a session. ParentID,
// when non-empty, references an event recorded earlier in the same session,
// forming a tree rooted at the first event. Events are stored as flat
// (id, parent_id) tuples; the tree is reconstructed at admin read time.
type FlowEvent struct {
	ID        string         `json:"event_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	SessionID string         `json:"session_id"`
	UserID    int64          `json:"user_id"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewFlowEvent builds an event linked under parentID. Payload may be nil.
func NewFlowEvent(sess *Session, parentID string, kind EventKind, payload map[string]any) FlowEvent {
	return FlowEvent{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// FlowNode is a flow event with its children resolved, produced by
// BuildFlowTree for admin reads.
type FlowNode struct {
	FlowEvent
	Children []*FlowNode `json:"children,omitempty"`
}

// BuildFlowTree reconstructs the event tree from flat tuples. Events whose
// parent is missing (or empty) become roots; input order is preserved
// within each parent.
func BuildFlowTree(events []FlowEvent) []*FlowNode {
	nodes := make(map[string]*FlowNode, len(events))
	ordered := make([]*FlowNode, 0, len(events))
	for _, ev := range events {
		n := &FlowNode{FlowEvent: ev}
		nodes[ev.ID] = n
		ordered = append(ordered, n)
	}

	var roots []*FlowNode
	for _, n := range ordered {
		if n.ParentID != "" {
			if parent, ok := nodes[n.ParentID]; ok {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots
}
