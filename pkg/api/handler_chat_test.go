package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgw/aegis/pkg/models"
)

func TestNDJSONSink_OneObjectPerLine(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := &ndjsonSink{writer: bufio.NewWriter(rec), flusher: rec}
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, &models.ServerFrame{Type: models.FrameToken, Text: "The "}))
	require.NoError(t, sink.Send(ctx, &models.ServerFrame{
		Type:   models.FrameDone,
		Result: &models.DoneResult{Tokens: 120, Cost: 0.012},
	}))

	assert.True(t, rec.Flushed, "every frame must flush through to the client")

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first models.ServerFrame
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, models.FrameToken, first.Type)
	assert.Equal(t, "The ", first.Text)

	var second models.ServerFrame
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, models.FrameDone, second.Type)
	require.NotNil(t, second.Result)
	assert.Equal(t, 120, second.Result.Tokens)
}

// wsPipe upgrades one server-side connection and dials it from a client.
func wsPipe(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws://"+srv.Listener.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.CloseNow() })

	server = <-conns
	t.Cleanup(func() { server.CloseNow() })
	return server, client
}

func TestWSSink_DeliversFramesInOrder(t *testing.T) {
	serverConn, clientConn := wsPipe(t)
	sink := &wsSink{conn: serverConn}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sink.Send(ctx, &models.ServerFrame{Type: models.FrameToken, Text: "a"}))
	require.NoError(t, sink.Send(ctx, &models.ServerFrame{Type: models.FrameToken, Text: "b"}))

	for _, want := range []string{"a", "b"} {
		_, data, err := clientConn.Read(ctx)
		require.NoError(t, err)
		var frame models.ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, want, frame.Text)
	}
}

func TestWSSink_FailedWriteClosesConnection(t *testing.T) {
	serverConn, clientConn := wsPipe(t)
	sink := &wsSink{conn: serverConn}

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	err := sink.Send(gone, &models.ServerFrame{Type: models.FrameToken, Text: "a"})
	require.Error(t, err, "an expired write must surface, not block")

	// The sink closed the connection; the peer observes it.
	readCtx, cancelRead := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRead()
	_, _, err = clientConn.Read(readCtx)
	assert.Error(t, err)
}
