// Package llm abstracts the streaming language-model provider behind a
// channel-based client so the chat engine can consume tokens, tool calls,
// and usage as one ordered stream.
package llm

import (
	"context"
	"encoding/json"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCallID string     // set on tool-result messages
	ToolCalls  []ToolCall // set on assistant messages that requested tools
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON as produced by the model
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the arguments
}

// Usage is the token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChunkKind discriminates stream chunks.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkUsage    ChunkKind = "usage"
	ChunkError    ChunkKind = "error"
)

// Chunk is one element of a generation stream. Text chunks arrive in model
// order; tool calls arrive complete (deltas already accumulated); a usage
// chunk, when the provider reports one, precedes channel close.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// GenerateInput is one generation request.
type GenerateInput struct {
	Messages []Message
	Tools    []ToolSpec
}

// Client streams model output. The returned channel is closed when the
// generation ends; cancellation of ctx aborts the stream.
type Client interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
}
