// Package broadcast fans live flow events out to connected admin
// observers. Each observer carries a subscription filter and a bounded
// queue; observers that cannot keep up are dropped, never waited on.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/aegisgw/aegis/pkg/breaker"
	"github.com/aegisgw/aegis/pkg/eventlog"
	"github.com/aegisgw/aegis/pkg/models"
)

// observerQueueDepth bounds each observer's outbound queue. An observer
// whose queue is full when an event arrives is dropped.
const observerQueueDepth = 64

// Filter is an observer's subscription predicate. Zero fields match
// everything.
type Filter struct {
	UserID int64              `json:"user_id,omitempty"`
	Kinds  []models.EventKind `json:"kinds,omitempty"`
	MCPs   []string           `json:"mcps,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(ev *models.FlowEvent) bool {
	if f.UserID != 0 && ev.UserID != f.UserID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.MCPs) > 0 {
		mcpName, _ := ev.Payload["mcp"].(string)
		if !slices.Contains(f.MCPs, mcpName) {
			return false
		}
	}
	return true
}

// Observer is one connected admin socket.
type Observer struct {
	id    string
	queue chan []byte

	mu     sync.Mutex
	filter Filter
	subbed bool
}

// setFilter installs the subscription predicate.
func (o *Observer) setFilter(f Filter) {
	o.mu.Lock()
	o.filter = f
	o.subbed = true
	o.mu.Unlock()
}

// clearFilter removes the subscription; the observer stays connected but
// receives nothing.
func (o *Observer) clearFilter() {
	o.mu.Lock()
	o.subbed = false
	o.mu.Unlock()
}

func (o *Observer) wants(ev *models.FlowEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subbed && o.filter.Matches(ev)
}

// Hub owns the observer set and the fan-out pump.
type Hub struct {
	log    *eventlog.Log
	logger *slog.Logger

	mu        sync.RWMutex
	observers map[string]*Observer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub reading live events from the event log.
func NewHub(log *eventlog.Log) *Hub {
	return &Hub{
		log:       log,
		logger:    slog.Default().With("component", "broadcast"),
		observers: make(map[string]*Observer),
	}
}

// Start launches the pump over the per-user live channels.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	sub := h.log.SubscribeUsers(ctx)
	go func() {
		defer close(h.done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev models.FlowEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("Discarding malformed live event", "error", err)
					continue
				}
				h.fanout(&ev, []byte(msg.Payload))
			}
		}
	}()
	h.logger.Info("Broadcaster started")
}

// Stop halts the pump and disconnects every observer.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	for id, obs := range h.observers {
		close(obs.queue)
		delete(h.observers, id)
	}
	h.mu.Unlock()
}

// register adds an observer and returns it.
func (h *Hub) register() *Observer {
	obs := &Observer{
		id:    uuid.New().String(),
		queue: make(chan []byte, observerQueueDepth),
	}
	h.mu.Lock()
	h.observers[obs.id] = obs
	h.mu.Unlock()
	h.logger.Info("Observer connected", "observer_id", obs.id)
	return obs
}

// unregister removes an observer; queued events are discarded.
func (h *Hub) unregister(obs *Observer) {
	h.mu.Lock()
	if _, ok := h.observers[obs.id]; ok {
		delete(h.observers, obs.id)
		close(obs.queue)
	}
	h.mu.Unlock()
	h.logger.Info("Observer disconnected", "observer_id", obs.id)
}

// ObserverCount reports the connected observer count.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// fanout delivers one event to every matching observer. Delivery never
// blocks: a full queue drops the observer.
func (h *Hub) fanout(ev *models.FlowEvent, raw []byte) {
	h.mu.RLock()
	matched := make([]*Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		if obs.wants(ev) {
			matched = append(matched, obs)
		}
	}
	h.mu.RUnlock()

	for _, obs := range matched {
		select {
		case obs.queue <- raw:
		default:
			h.logger.Warn("Dropping slow observer", "observer_id", obs.id)
			h.unregister(obs)
		}
	}
}

// statusNotice is the frame broadcast when an MCP changes health or
// breaker state.
type statusNotice struct {
	Type   string        `json:"type"`
	MCP    string        `json:"mcp"`
	Health string        `json:"health"`
	State  breaker.State `json:"breaker_state"`
}

// BroadcastStatus pushes an mcp_status_change notice to every connected
// observer, bypassing subscription filters.
func (h *Hub) BroadcastStatus(mcpName, health string, state breaker.State) {
	data, err := json.Marshal(statusNotice{
		Type:   "mcp_status_change",
		MCP:    mcpName,
		Health: health,
		State:  state,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	all := make([]*Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		all = append(all, obs)
	}
	h.mu.RUnlock()

	for _, obs := range all {
		select {
		case obs.queue <- data:
		default:
			h.logger.Warn("Dropping slow observer", "observer_id", obs.id)
			h.unregister(obs)
		}
	}
}
