package mcp

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when the user's role does not allow the
// requested MCP or tool.
var ErrPermissionDenied = errors.New("permission denied")

// ErrBreakerOpen is returned when the target MCP's circuit breaker rejects
// dispatch without contacting the server.
var ErrBreakerOpen = errors.New("circuit breaker open")

// TransportError is a server-side dispatch failure: connection refused,
// timeout, protocol breakage. These count toward the breaker.
type TransportError struct {
	MCP string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for MCP %s: %v", e.MCP, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolError is a failure reported by the tool itself, such as invalid
// arguments. The transport worked, so these do not count toward the
// breaker, and the LLM may recover by reading the message.
type ToolError struct {
	MCP     string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s/%s failed: %s", e.MCP, e.Tool, e.Message)
}
