package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve upgrades every request and binds it to the channel named in the query.
func serve(t *testing.T, h *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := h.NewConnection(ws)
		h.Register(conn)
		h.Bind(conn, r.URL.Query().Get("channel"))
		go func() {
			for msg := range conn.Send {
				conn.WriteMessage(websocket.TextMessage, msg)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, channel string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url+"?channel="+channel, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBroadcastReachesOnlyChannelSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)
	url := serve(t, h)

	msgs := dial(t, url, "session/s1/messages")
	files := dial(t, url, "session/s1/files")
	require.Eventually(t, func() bool {
		return h.Subscribers("session/s1/messages") == 1 && h.Subscribers("session/s1/files") == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.BroadcastJSON("session/s1/messages", map[string]int{"n": i}))
	}

	msgs.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		_, data, err := msgs.ReadMessage()
		require.NoError(t, err)
		var got map[string]int
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, i, got["n"])
	}

	files.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := files.ReadMessage()
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	// Calls after shutdown return instead of blocking.
	h.Broadcast("session/s1/control", []byte("{}"))
}

func TestReplyAfterOverflowReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	const channel = "session/s1/control"
	conn := h.NewConnection(nil)
	h.Register(conn)
	h.Bind(conn, channel)
	require.NoError(t, h.SendJSONToConnection(conn, map[string]string{"type": "subscribed"}))

	// Nobody drains Send, so the hub drops the connection once the buffer fills.
	for i := 0; i < 400; i++ {
		h.Broadcast(channel, []byte(`{"type":"event"}`))
	}
	require.Eventually(t, func() bool { return h.Subscribers(channel) == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() {
		err := h.SendJSONToConnection(conn, map[string]string{"type": "error"})
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestSendToUnregisteredConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	go h.Run(ctx)

	conn := h.NewConnection(nil)
	h.Register(conn)
	cancel()
	<-h.done

	assert.ErrorIs(t, h.SendToConnection(conn, []byte("{}")), ErrConnectionClosed)
}
