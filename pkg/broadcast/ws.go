package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// observerRequest is a control frame from an admin observer socket.
type observerRequest struct {
	Action string `json:"action"`

	// subscribe
	Filter Filter `json:"filter,omitempty"`

	// catchup
	SessionID string `json:"session_id,omitempty"`
}

type observerAck struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleObserver runs one admin observer socket until it disconnects: a
// writer goroutine drains the observer queue while this goroutine serves
// control frames.
func (h *Hub) HandleObserver(ctx context.Context, conn *websocket.Conn) {
	obs := h.register()
	defer h.unregister(obs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-obs.queue:
				if !ok {
					// Dropped as a slow observer.
					conn.Close(websocket.StatusPolicyViolation, "observer too slow")
					cancel()
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req observerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.writeJSON(ctx, conn, observerAck{Type: "error", Error: "malformed request"})
			continue
		}

		switch req.Action {
		case "subscribe":
			obs.setFilter(req.Filter)
			h.writeJSON(ctx, conn, observerAck{Type: "ack", Action: "subscribe"})

		case "unsubscribe":
			obs.clearFilter()
			h.writeJSON(ctx, conn, observerAck{Type: "ack", Action: "unsubscribe"})

		case "ping":
			h.writeJSON(ctx, conn, observerAck{Type: "pong"})

		case "catchup":
			h.catchup(ctx, conn, req.SessionID)

		default:
			h.writeJSON(ctx, conn, observerAck{Type: "error", Error: fmt.Sprintf("unknown action %q", req.Action)})
		}
	}
}

// catchup replays a session's recorded events from the event log onto the
// socket directly, outside the live queue.
func (h *Hub) catchup(ctx context.Context, conn *websocket.Conn, sessionID string) {
	if sessionID == "" {
		h.writeJSON(ctx, conn, observerAck{Type: "error", Error: "catchup requires session_id"})
		return
	}
	events, err := h.log.Events(ctx, sessionID)
	if err != nil {
		h.logger.Warn("Catchup read failed", "session_id", sessionID, "error", err)
		h.writeJSON(ctx, conn, observerAck{Type: "error", Error: "catchup failed"})
		return
	}
	for i := range events {
		h.writeJSON(ctx, conn, &events[i])
	}
	h.writeJSON(ctx, conn, observerAck{Type: "ack", Action: "catchup"})
}

func (h *Hub) writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("Observer write failed", "error", err)
	}
}
