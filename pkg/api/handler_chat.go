package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/aegisgw/aegis/pkg/authz"
	"github.com/aegisgw/aegis/pkg/chat"
	"github.com/aegisgw/aegis/pkg/models"
)

// chatWSHandler upgrades GET /ws/chat and runs the duplex chat loop. The
// connection stays open across messages; the conversation identity is
// allocated once at handshake.
func (s *Server) chatWSHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin enforcement happens at the upstream gateway.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	identity := extractIdentity(c.Request())
	if identity == nil {
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return nil
	}

	s.serveChat(c.Request().Context(), conn, identity)
	return nil
}

// serveChat owns one chat connection: greet, then a reader goroutine
// feeding a serial processor so client frames are handled in order and a
// disconnect cancels any in-flight turn.
func (s *Server) serveChat(ctx context.Context, conn *websocket.Conn, identity *models.Identity) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := &wsSink{conn: conn}
	conv := s.engine.NewConversation(identity, sink)
	defer s.engine.Close(conv)

	if err := s.engine.Greet(ctx, conv); err != nil {
		conn.Close(closeCodeFor(err), "handshake refused")
		return
	}

	frames := make(chan models.ClientFrame)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			var frame models.ClientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.logger.Debug("Discarding malformed client frame", "error", err)
				continue
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(s.cfg.Conversation.IdleTimeout())
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-idle.C:
			s.logger.Info("Closing idle chat connection", "user_id", identity.UserID)
			conn.Close(websocket.StatusNormalClosure, "idle timeout")
			return

		case frame, ok := <-frames:
			if !ok {
				return
			}
			if frame.Type != "message" {
				continue
			}
			if err := s.engine.HandleMessage(ctx, conv, frame.Text); err != nil {
				// Client gone mid-turn; the session was already archived.
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.Conversation.IdleTimeout())
		}
	}
}

// closeCodeFor maps a handshake failure to its WebSocket close code:
// authentication and authorization failures close 1008, everything else
// 1011.
func closeCodeFor(err error) websocket.StatusCode {
	var blockedErr *authz.BlockedError
	var quotaErr *authz.QuotaError
	switch {
	case errors.Is(err, authz.ErrAuthMissing),
		errors.Is(err, authz.ErrInactive),
		errors.As(err, &blockedErr),
		errors.As(err, &quotaErr):
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusInternalError
	}
}

// wsWriteTimeout bounds each outbound frame write. A client that stalls
// its receive window past this is closed rather than allowed to pin the
// turn goroutine.
const wsWriteTimeout = 15 * time.Second

// wsSink writes server frames as WebSocket text messages.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, frame *models.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.conn.Close(websocket.StatusPolicyViolation, "client not keeping up")
		return err
	}
	return nil
}

// askRequest is the POST /ask/stream body.
type askRequest struct {
	Text string `json:"text"`
}

// askStreamHandler handles the one-shot NDJSON stream: the same frame
// shapes as the WebSocket, one JSON object per line.
func (s *Server) askStreamHandler(c *echo.Context) error {
	identity := extractIdentity(c.Request())

	var req askRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)

	flusher, _ := resp.(http.Flusher)
	sink := &ndjsonSink{writer: bufio.NewWriter(resp), flusher: flusher}
	if err := s.engine.HandleOneShot(c.Request().Context(), identity, sink, req.Text); err != nil {
		// Stream already started; nothing more can reach the client.
		s.logger.Debug("One-shot stream aborted", "error", err)
	}
	sink.flush()
	return nil
}

// ndjsonSink writes one JSON object per line, flushing after each frame so
// tokens stream immediately.
type ndjsonSink struct {
	writer  *bufio.Writer
	flusher http.Flusher
}

func (s *ndjsonSink) Send(_ context.Context, frame *models.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *ndjsonSink) flush() {
	s.writer.Flush()
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// adminWSHandler upgrades GET /ws/admin and hands the socket to the
// broadcaster.
func (s *Server) adminWSHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.hub.HandleObserver(c.Request().Context(), conn)
	return nil
}

var _ chat.FrameSink = (*wsSink)(nil)
var _ chat.FrameSink = (*ndjsonSink)(nil)
