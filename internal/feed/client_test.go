package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/hub"
	"github.com/xiaot623/livesession/internal/protocol"
	"github.com/xiaot623/livesession/internal/ws"
)

type statusLog struct {
	mu      sync.Mutex
	entries []Status
	errs    []error
}

func (l *statusLog) record(channel string, status Status, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, status)
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1]
}

func (l *statusLog) count(s Status) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e == s {
			n++
		}
	}
	return n
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ev.EventID)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func newFeedServer(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(nil)
	go h.Run(ctx)

	wsServer := ws.NewServer(ws.Config{
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		ReadTimeout:    5 * time.Second,
		MaxMessageSize: 4096,
	}, h, nil)
	e := echo.New()
	e.GET("/ws", wsServer.HandleWebSocket)
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func broadcast(t *testing.T, h *hub.Hub, channel, eventID string) {
	t.Helper()
	frame := protocol.EventMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeEvent, Ts: time.Now().UnixMilli(), Channel: channel},
		EventID:     eventID,
		Kind:        domain.KindMessageCreated,
		Payload:     json.RawMessage(`{}`),
	}
	require.NoError(t, h.BroadcastJSON(channel, frame))
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	h, url := newFeedServer(t)
	statuses := &statusLog{}
	client := NewClient(Options{URL: url, OnStatus: statuses.record})
	channel := protocol.ChannelKey("s1", domain.ResourceMessages)

	got := &collector{}
	sub, err := client.Subscribe(context.Background(), channel, got.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return sub.Status() == StatusConnected }, 5*time.Second, 10*time.Millisecond)

	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		broadcast(t, h, channel, id)
	}
	// Another channel's traffic is not delivered here.
	broadcast(t, h, protocol.ChannelKey("s1", domain.ResourceFiles), "f1")

	require.Eventually(t, func() bool { return len(got.snapshot()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, got.snapshot())
	assert.Equal(t, StatusConnected, statuses.last())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, url := newFeedServer(t)
	statuses := &statusLog{}
	client := NewClient(Options{URL: url, OnStatus: statuses.record})
	channel := protocol.ChannelKey("s1", domain.ResourceControl)

	got := &collector{}
	sub, err := client.Subscribe(context.Background(), channel, got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.Status() == StatusConnected }, 5*time.Second, 10*time.Millisecond)

	broadcast(t, h, channel, "e1")
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, StatusClosed, sub.Status())
	assert.Equal(t, StatusClosed, statuses.last())

	broadcast(t, h, channel, "e2")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"e1"}, got.snapshot())

	require.Eventually(t, func() bool { return h.Subscribers(channel) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeRejectsBadChannel(t *testing.T) {
	client := NewClient(Options{URL: "ws://127.0.0.1:1/ws"})
	_, err := client.Subscribe(context.Background(), "session/s1/bogus", func(Event) {})
	assert.Error(t, err)
	_, err = client.Subscribe(context.Background(), protocol.ChannelKey("s1", domain.ResourceFiles), nil)
	assert.Error(t, err)
}

func TestSubscribeDegradesAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	statuses := &statusLog{}
	client := NewClient(Options{
		URL:             url,
		MaxAttempts:     2,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		OnStatus:        statuses.record,
	})
	sub, err := client.Subscribe(context.Background(), protocol.ChannelKey("s1", domain.ResourceMessages), func(Event) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return sub.Status() == StatusDegraded }, 5*time.Second, 5*time.Millisecond)

	// Retrying continues while degraded without repeating the notification.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, statuses.count(StatusDegraded))

	statuses.mu.Lock()
	require.NotEmpty(t, statuses.errs)
	assert.ErrorIs(t, statuses.errs[0], domain.ErrSubscriptionFailed)
	statuses.mu.Unlock()
}

// flakyServer drops the first connection right after delivering one event.
func flakyServer(t *testing.T) (string, *int32) {
	t.Helper()
	var connects int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&connects, 1)

		var sub protocol.SubscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		// An event racing ahead of the acknowledgement is still delivered.
		conn.WriteJSON(protocol.EventMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypeEvent, Channel: sub.Channel},
			EventID:     fmt.Sprintf("early-%d", n),
		})
		conn.WriteJSON(protocol.SubscribedMessage{BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubscribed, Channel: sub.Channel}})
		conn.WriteJSON(protocol.EventMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypeEvent, Channel: sub.Channel},
			EventID:     fmt.Sprintf("late-%d", n),
		})
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &connects
}

func TestSubscribeReconnectsAfterDrop(t *testing.T) {
	url, connects := flakyServer(t)
	statuses := &statusLog{}
	client := NewClient(Options{
		URL:             url,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		OnStatus:        statuses.record,
	})

	got := &collector{}
	sub, err := client.Subscribe(context.Background(), protocol.ChannelKey("s1", domain.ResourceControl), got.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"early-1", "late-1", "early-2", "late-2"}, got.snapshot())
	assert.Equal(t, int32(2), atomic.LoadInt32(connects))
	assert.Equal(t, 2, statuses.count(StatusConnected))
	assert.GreaterOrEqual(t, statuses.count(StatusConnecting), 1)
}
