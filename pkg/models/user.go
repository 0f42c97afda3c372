// Package models defines the domain types shared across the gateway:
// user contexts, sessions, flow events, tool invocations, and wire frames.
package models

// UserContext is the per-message view of a user, loaded once at the start
// of the authorization pipeline and frozen for the rest of the session.
type UserContext struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`

	// PermittedMCPs is the set of MCP names this user's role may reach.
	PermittedMCPs []string `json:"permitted_mcps"`

	// ToolAllow maps MCP name → allowed tool names. A missing or empty
	// entry means all tools on that MCP are allowed.
	ToolAllow map[string][]string `json:"tool_allow,omitempty"`

	// ToolDeny maps MCP name → denied tool names. Deny wins over allow.
	ToolDeny map[string][]string `json:"tool_deny,omitempty"`

	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
	Active      bool   `json:"active"`

	// DailyCostLimit is the role's daily budget in account currency units.
	DailyCostLimit float64 `json:"daily_cost_limit"`

	// GuardBypass disables prompt-guard classification for this user's role.
	GuardBypass bool `json:"guard_bypass,omitempty"`
}

// Identity is the authenticated identity injected by the upstream gateway
// via X-User-Id / X-User-Username / X-User-Role headers. The gateway never
// validates bearer tokens; a well-formed X-User-Id is the proof of
// authentication.
type Identity struct {
	UserID   int64
	Username string
	Role     string
}
