package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aegisgw/aegis/pkg/config"
)

// OpenAIClient streams completions from an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIClient builds a client from the LLM configuration. The API key is
// read from the environment variable the config names.
func NewOpenAIClient(cfg config.LLMConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key environment variable %s is not set", cfg.APIKeyEnv)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout(),
		logger:  slog.Default().With("component", "llm", "model", cfg.Model),
	}, nil
}

// Generate opens a streaming completion and pumps it into a chunk channel.
func (c *OpenAIClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(input.Messages),
		Tools:    toOpenAITools(input.Tools),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	stream, err := c.client.CreateChatCompletionStream(genCtx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()
		defer stream.Close()
		c.pump(genCtx, stream, out)
	}()
	return out, nil
}

// pump reads stream responses, forwarding text immediately and accumulating
// tool-call deltas by index until the stream ends.
func (c *OpenAIClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	// Tool-call fragments arrive as deltas keyed by index; the ID and name
	// come on the first fragment, arguments accrete across the rest.
	pending := make(map[int]*ToolCall)
	var order []int
	var usage *Usage

	emit := func(ch Chunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(Chunk{Kind: ChunkError, Err: fmt.Errorf("completion stream failed: %w", err)})
			return
		}

		if resp.Usage != nil {
			usage = &Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				if !emit(Chunk{Kind: ChunkText, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pending[idx]
				if !ok {
					call = &ToolCall{}
					pending[idx] = call
					order = append(order, idx)
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}
		}
	}

	for _, idx := range order {
		if !emit(Chunk{Kind: ChunkToolCall, ToolCall: pending[idx]}) {
			return
		}
	}
	if usage != nil {
		emit(Chunk{Kind: ChunkUsage, Usage: usage})
	}
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(specs []ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		var params any
		if len(spec.Parameters) > 0 {
			params = spec.Parameters
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
