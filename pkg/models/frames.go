package models

import "time"

// ClientFrame is a frame received from a chat client.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Frame types sent to chat clients. One-shot NDJSON streams carry the same
// payload shapes as WebSocket frames.
const (
	FrameWelcome    = "welcome"
	FrameToken      = "token"
	FrameToolCall   = "tool_call"
	FrameToolResult = "tool_result"
	FrameDone       = "done"
	FrameError      = "error"
	FrameWarning    = "warning"
)

// ServerFrame is a frame sent to a chat client. Fields are populated
// per-type; unset fields are omitted from the wire encoding.
type ServerFrame struct {
	Type string `json:"type"`

	// welcome, token, error, warning
	Text string `json:"text,omitempty"`

	// welcome
	Usage         *UsageInfo `json:"usage,omitempty"`
	AvailableMCPs []string   `json:"available_mcps,omitempty"`

	// tool_call, tool_result
	MCP        string `json:"mcp,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// done
	Result *DoneResult `json:"result,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// UsageInfo is the budget summary carried by welcome and quota-refusal
// frames. Reset is set only on refusals: when the daily window rolls over.
type UsageInfo struct {
	UsedToday float64   `json:"used_today"`
	Limit     float64   `json:"limit"`
	Remaining float64   `json:"remaining"`
	Reset     time.Time `json:"reset,omitzero"`
}

// DoneResult is the final metadata carried by the done frame.
type DoneResult struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}
