package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditSource identifies the transport a session arrived on.
type AuditSource string

const (
	SourceChatWS     AuditSource = "chat_ws"
	SourceChatSSE    AuditSource = "chat_sse"
	SourceMCPGateway AuditSource = "mcp_gateway"
)

// Session is the unit of flow tracking and audit: one user message and its
// response. The chat engine owns a Session exclusively for its lifetime;
// the flow tracker appends events on its behalf.
type Session struct {
	ID string `json:"session_id"`

	// ConversationID is nil for legacy one-shot streams.
	ConversationID *string `json:"conversation_id,omitempty"`

	UserID int64       `json:"user_id"`
	Source AuditSource `json:"source"`

	// Monitored is snapshotted at session start; it never changes mid-session.
	Monitored bool `json:"monitored"`

	StartedAt time.Time `json:"started_at"`

	Events      []FlowEvent      `json:"events"`
	Invocations []ToolInvocation `json:"tool_invocations,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// NewSession allocates a session for one user message. conversationID may
// be empty for one-shot streams.
func NewSession(userID int64, conversationID string, source AuditSource, monitored bool) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Source:    source,
		Monitored: monitored,
		StartedAt: time.Now().UTC(),
	}
	if conversationID != "" {
		cid := conversationID
		s.ConversationID = &cid
	}
	return s
}

// LastEventID returns the ID of the most recently recorded event, or ""
// when no events exist yet. Used to parent the next event in the flow tree.
func (s *Session) LastEventID() string {
	if len(s.Events) == 0 {
		return ""
	}
	return s.Events[len(s.Events)-1].ID
}

// MCPsUsed returns the distinct MCP names touched by this session's tool
// invocations, in first-use order.
func (s *Session) MCPsUsed() []string {
	seen := make(map[string]bool, len(s.Invocations))
	var names []string
	for _, inv := range s.Invocations {
		if !seen[inv.MCP] {
			seen[inv.MCP] = true
			names = append(names, inv.MCP)
		}
	}
	return names
}

// ToolInvocation records one tool dispatch within a session.
type ToolInvocation struct {
	MCP         string `json:"mcp"`
	Tool        string `json:"tool"`
	Fingerprint string `json:"fingerprint"`
	DurationMs  int64  `json:"duration_ms"`
	CacheHit    bool   `json:"cache_hit"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// AuditRecord is emitted exactly once per completed session, on every
// terminal path including errors.
type AuditRecord struct {
	UserID         int64            `json:"user_id"`
	ConversationID *string          `json:"conversation_id,omitempty"`
	SessionID      string           `json:"session_id"`
	Source         AuditSource      `json:"source"`
	InputTokens    int              `json:"input_tokens"`
	OutputTokens   int              `json:"output_tokens"`
	Cost           float64          `json:"cost"`
	ToolsUsed      []ToolInvocation `json:"tools_used,omitempty"`
	MCPsUsed       []string         `json:"mcps_used,omitempty"`
	Success        bool             `json:"success"`
	Timestamp      time.Time        `json:"timestamp"`
}
