// Package guard mediates prompt-injection screening with the external
// scorer over Redis pub/sub and owns the behavioral escalation policy the
// scorer itself knows nothing about.
package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/pkg/config"
	"github.com/aegisgw/aegis/pkg/eventlog"
	"github.com/aegisgw/aegis/pkg/models"
)

// scorerBus is the pub/sub surface the mediator needs. Satisfied by
// *eventlog.Log.
type scorerBus interface {
	PublishRaw(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// Verdict is the scorer's classification of one message.
type Verdict struct {
	Safe   bool    `json:"safe"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// request is the payload published to the scorer.
type request struct {
	RequestID string `json:"request_id"`
	UserID    int64  `json:"user_id"`
	Message   string `json:"message"`
}

// reply is what comes back on the verdict channel.
type reply struct {
	RequestID string  `json:"request_id"`
	Safe      bool    `json:"safe"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// Mediator publishes screening requests and demultiplexes replies to the
// waiting session by request id. Replies arrive on one shared subscription
// served by the reply pump.
type Mediator struct {
	cfg    config.PromptGuardConfig
	log    scorerBus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Verdict

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMediator creates a mediator. Start must be called before Screen.
func NewMediator(cfg config.PromptGuardConfig, log scorerBus) *Mediator {
	return &Mediator{
		cfg:     cfg,
		log:     log,
		logger:  slog.Default().With("component", "guard"),
		pending: make(map[string]chan Verdict),
	}
}

// Start launches the reply pump on the verdict channel.
func (m *Mediator) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	sub := m.log.Subscribe(ctx, eventlog.GuardVerdictChannel)
	go func() {
		defer close(m.done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				m.deliver(msg.Payload)
			}
		}
	}()
	m.logger.Info("Guard reply pump started", "enabled", m.cfg.IsEnabled())
}

// Stop halts the reply pump.
func (m *Mediator) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Mediator) deliver(payload string) {
	var r reply
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		m.logger.Warn("Discarding malformed guard reply", "error", err)
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[r.RequestID]
	if ok {
		delete(m.pending, r.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		// Late reply after the waiter timed out.
		return
	}
	ch <- Verdict{Safe: r.Safe, Score: r.Score, Reason: r.Reason}
}

// Bypassed reports whether the role skips screening entirely.
func (m *Mediator) Bypassed(user *models.UserContext) bool {
	if !m.cfg.IsEnabled() {
		return true
	}
	if user.GuardBypass {
		return true
	}
	return slices.Contains(m.cfg.BypassRoles, user.Role)
}

// Screen publishes a classification request and waits for the verdict.
// Timeout and publish failure are fail-open: the message is treated as
// safe, loudly.
func (m *Mediator) Screen(ctx context.Context, user *models.UserContext, message string) Verdict {
	requestID := uuid.NewString()
	ch := make(chan Verdict, 1)

	m.mu.Lock()
	m.pending[requestID] = ch
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}

	req := request{RequestID: requestID, UserID: user.ID, Message: message}
	if err := m.log.PublishRaw(ctx, eventlog.GuardRequestChannel, req); err != nil {
		cleanup()
		m.logger.Warn("Guard request publish failed, failing open", "user_id", user.ID, "error", err)
		return Verdict{Safe: true, Reason: "scorer unreachable"}
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
	defer cancel()

	select {
	case verdict := <-ch:
		return verdict
	case <-waitCtx.Done():
		cleanup()
		m.logger.Warn("Guard verdict timed out, failing open", "user_id", user.ID, "request_id", requestID)
		return Verdict{Safe: true, Reason: "scorer timeout"}
	}
}
