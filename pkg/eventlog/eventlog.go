// Package eventlog persists flow events to Redis streams and fans them out
// over pub/sub channels for live observers. Streams give per-session replay
// with TTL; pub/sub gives the admin plane its live feed.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/pkg/models"
)

const (
	sessionStreamPrefix = "flow:session:"
	userChannelPrefix   = "flow:user:"
	userChannelPattern  = "flow:user:*"

	// GuardRequestChannel carries screening requests to the guard sidecar.
	GuardRequestChannel = "guard:requests"
	// GuardVerdictChannel carries verdicts back from the guard sidecar.
	GuardVerdictChannel = "guard:verdicts"
)

// SessionStream returns the Redis stream key holding a session's events.
func SessionStream(sessionID string) string {
	return sessionStreamPrefix + sessionID
}

// UserChannel returns the pub/sub channel for a user's live events.
func UserChannel(userID int64) string {
	return fmt.Sprintf("%s%d", userChannelPrefix, userID)
}

// Log writes flow events to Redis and publishes them to live observers.
type Log struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates an event log. ttl bounds how long session streams survive
// after their last event.
func New(client *redis.Client, ttl time.Duration) *Log {
	return &Log{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "eventlog"),
	}
}

// Append records an event on the session's stream and refreshes the stream
// TTL. Errors are returned but callers treat appends as best-effort: a
// Redis outage must not fail the chat turn.
func (l *Log) Append(ctx context.Context, ev *models.FlowEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal flow event: %w", err)
	}

	stream := SessionStream(ev.SessionID)
	if err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"event": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}

	if err := l.client.Expire(ctx, stream, l.ttl).Err(); err != nil {
		l.logger.Warn("Failed to refresh stream TTL", "stream", stream, "error", err)
	}
	return nil
}

// Events replays every event recorded for a session, in append order.
func (l *Log) Events(ctx context.Context, sessionID string) ([]models.FlowEvent, error) {
	stream := SessionStream(sessionID)
	msgs, err := l.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", stream, err)
	}

	events := make([]models.FlowEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			l.logger.Warn("Skipping malformed stream entry", "stream", stream, "id", msg.ID)
			continue
		}
		var ev models.FlowEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			l.logger.Warn("Skipping undecodable stream entry", "stream", stream, "id", msg.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Publish fans an event out to the user's live channel. Best-effort: a
// publish with no subscribers is not an error.
func (l *Log) Publish(ctx context.Context, ev *models.FlowEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal flow event: %w", err)
	}
	if err := l.client.Publish(ctx, UserChannel(ev.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", UserChannel(ev.UserID), err)
	}
	return nil
}

// SubscribeUsers opens a pattern subscription over every user's live
// channel. The caller owns the returned PubSub and must Close it.
func (l *Log) SubscribeUsers(ctx context.Context) *redis.PubSub {
	return l.client.PSubscribe(ctx, userChannelPattern)
}

// PublishRaw publishes an arbitrary payload to a channel. Used for the
// guard request/verdict channels, whose payloads are not flow events.
func (l *Log) PublishRaw(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", channel, err)
	}
	return l.client.Publish(ctx, channel, data).Err()
}

// Subscribe opens a plain subscription on a single channel.
func (l *Log) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return l.client.Subscribe(ctx, channel)
}

// Ping checks Redis liveness for health reporting.
func (l *Log) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
