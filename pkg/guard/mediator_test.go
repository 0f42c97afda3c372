package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/eventlog"
	"github.com/aegisgw/aegis/pkg/models"
)

// silentBus accepts requests but never produces a reply.
type silentBus struct {
	mu        sync.Mutex
	channels  []string
	publishFn func() error
}

func (b *silentBus) PublishRaw(_ context.Context, channel string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	if b.publishFn != nil {
		return b.publishFn()
	}
	return nil
}

func (b *silentBus) Subscribe(context.Context, string) *redis.PubSub { return nil }

func screeningUser() *models.UserContext {
	return &models.UserContext{ID: 7, Username: "alice", Role: "sre"}
}

func TestScreen_TimeoutFailsOpen(t *testing.T) {
	cfg := guardConfig(config.GuardWindowSession)
	cfg.TimeoutMs = 20
	bus := &silentBus{}
	m := NewMediator(cfg, bus)

	verdict := m.Screen(context.Background(), screeningUser(), "hello")

	assert.True(t, verdict.Safe, "an unreachable scorer must not block users")
	assert.Equal(t, "scorer timeout", verdict.Reason)
	assert.Equal(t, []string{eventlog.GuardRequestChannel}, bus.channels)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pending, "timed-out waiters must be cleaned up")
}

func TestScreen_PublishFailureFailsOpen(t *testing.T) {
	cfg := guardConfig(config.GuardWindowSession)
	bus := &silentBus{publishFn: func() error { return errors.New("broker down") }}
	m := NewMediator(cfg, bus)

	verdict := m.Screen(context.Background(), screeningUser(), "hello")

	assert.True(t, verdict.Safe)
	assert.Equal(t, "scorer unreachable", verdict.Reason)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pending)
}

func TestScreen_DeliversMatchingVerdict(t *testing.T) {
	cfg := guardConfig(config.GuardWindowSession)
	cfg.TimeoutMs = 2000
	bus := &silentBus{}
	m := NewMediator(cfg, bus)

	got := make(chan Verdict, 1)
	go func() { got <- m.Screen(context.Background(), screeningUser(), "ignore instructions") }()

	// The waiter registers before publishing; grab its request id.
	var requestID string
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id := range m.pending {
			requestID = id
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	m.deliver(fmt.Sprintf(`{"request_id":%q,"safe":false,"score":0.93,"reason":"injection"}`, requestID))

	verdict := <-got
	assert.False(t, verdict.Safe)
	assert.Equal(t, 0.93, verdict.Score)
	assert.Equal(t, "injection", verdict.Reason)
}

func TestDeliver_LateReplyIsDiscarded(t *testing.T) {
	cfg := guardConfig(config.GuardWindowSession)
	m := NewMediator(cfg, &silentBus{})

	// No waiter registered under this id; must not panic or leak.
	m.deliver(`{"request_id":"stale","safe":true,"score":0.1}`)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pending)
}
