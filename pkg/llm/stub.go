package llm

import (
	"context"
	"sync"
)

// ScriptedTurn is one pre-canned generation for the scripted client.
type ScriptedTurn struct {
	Chunks []Chunk
	Err    error // returned from Generate itself instead of streaming
}

// ScriptedClient replays pre-canned generations in order. Intended for
// tests of code that consumes the Client interface.
type ScriptedClient struct {
	mu     sync.Mutex
	turns  []ScriptedTurn
	Inputs []*GenerateInput // recorded per call, in order
}

// NewScriptedClient creates a client that replays turns in order. Once the
// script is exhausted, further calls stream nothing.
func NewScriptedClient(turns ...ScriptedTurn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Generate replays the next scripted turn.
func (c *ScriptedClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	c.mu.Lock()
	c.Inputs = append(c.Inputs, input)
	var turn ScriptedTurn
	if len(c.turns) > 0 {
		turn = c.turns[0]
		c.turns = c.turns[1:]
	}
	c.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, ch := range turn.Chunks {
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
