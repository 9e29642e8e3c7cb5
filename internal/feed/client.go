// Package feed subscribes to per-session change channels over WebSocket.
//
// Each subscription owns one connection. Frames are handed to the handler in
// arrival order on a dedicated goroutine, so a slow handler on one channel never
// delays another channel.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/protocol"
	"github.com/xiaot623/livesession/internal/telemetry"
)

// Status is the connection state of a subscription.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDegraded   Status = "degraded"
	StatusClosed     Status = "closed"
)

// Event is one change notification.
type Event struct {
	Channel string
	EventID string
	Kind    string
	Payload json.RawMessage
	Ts      int64
}

// Handler receives events for one channel. It must not call Unsubscribe.
type Handler func(Event)

// StatusFunc observes status changes. A degraded status carries an error wrapping
// domain.ErrSubscriptionFailed. It must not call Unsubscribe.
type StatusFunc func(channel string, status Status, err error)

// Options configures a Client.
type Options struct {
	URL              string
	MaxAttempts      int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout drops a connection that has been silent this long. Zero disables it.
	ReadTimeout time.Duration
	QueueSize   int
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
	OnStatus    StatusFunc
}

// Client opens subscriptions against one feed endpoint.
type Client struct {
	opts     Options
	logger   *slog.Logger
	counters *telemetry.Counters
}

// NewClient fills in defaults for unset options.
func NewClient(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		counters: telemetry.Instruments(),
	}
}

// Subscription is a live handle on one channel.
type Subscription struct {
	client  *Client
	channel string
	handler Handler
	logger  *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopHook func() bool
	queue    chan Event
	wg       sync.WaitGroup
	once     sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
}

// Subscribe starts delivering events on channel to handler and returns at once;
// the connection is established in the background with retries. ctx bounds the
// subscription's lifetime.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler for %s", channel)
	}
	if _, _, err := protocol.ParseChannel(channel); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client:  c,
		channel: channel,
		handler: handler,
		logger:  c.logger.With("channel", channel),
		ctx:     subCtx,
		cancel:  cancel,
		queue:   make(chan Event, c.opts.QueueSize),
		status:  StatusConnecting,
	}
	s.stopHook = context.AfterFunc(subCtx, s.closeConn)

	s.wg.Add(2)
	go s.run()
	go s.dispatch()
	return s, nil
}

// Channel returns the subscribed channel key.
func (s *Subscription) Channel() string {
	return s.channel
}

// Status returns the current connection status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Unsubscribe closes the subscription. When it returns no further handler or
// status callbacks will run, apart from the final closed status it reports itself.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.closeConn()
		s.wg.Wait()
		s.stopHook()
		s.setStatus(StatusClosed, nil)
	})
}

func (s *Subscription) run() {
	defer s.wg.Done()

	degraded := false
	for {
		if !degraded {
			s.setStatus(StatusConnecting, nil)
		}

		conn, pending, err := s.establish()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !degraded {
				degraded = true
				s.client.counters.FeedDegraded.Add(s.ctx, 1)
				s.logger.Warn("subscription degraded", "error", err)
				s.setStatus(StatusDegraded, fmt.Errorf("%w: %s: %v", domain.ErrSubscriptionFailed, s.channel, err))
			}
			if !s.sleep(s.client.opts.MaxInterval) {
				return
			}
			continue
		}

		if !s.setConn(conn) {
			return
		}
		degraded = false
		s.setStatus(StatusConnected, nil)
		for _, ev := range pending {
			if !s.enqueue(ev) {
				return
			}
		}

		err = s.read(conn)
		s.clearConn(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("feed connection lost, reconnecting", "error", err)
	}
}

// establish dials and subscribes, retrying with exponential backoff up to
// MaxAttempts times.
func (s *Subscription) establish() (*websocket.Conn, []Event, error) {
	opts := s.client.opts

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	var pending []Event
	attempt := 0
	op := func() error {
		attempt++
		c, evs, err := s.dialAndSubscribe()
		if err != nil {
			s.logger.Debug("subscribe attempt failed", "attempt", attempt, "error", err)
			return err
		}
		conn, pending = c, evs
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxAttempts-1)), s.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, nil, err
	}
	return conn, pending, nil
}

// dialAndSubscribe performs one handshake. Events that race ahead of the
// subscribed acknowledgement are returned for delivery after it.
func (s *Subscription) dialAndSubscribe() (*websocket.Conn, []Event, error) {
	opts := s.client.opts

	dialCtx, cancel := context.WithTimeout(s.ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := opts.Dialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	msg := protocol.SubscribeMessage{
		BaseMessage: protocol.BaseMessage{
			Type:    protocol.TypeSubscribe,
			Ts:      time.Now().UnixMilli(),
			Channel: s.channel,
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write subscribe: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var pending []Event
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("read subscribed: %w", err)
		}
		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("unmarshal subscribed: %w", err)
		}

		switch base.Type {
		case protocol.TypeSubscribed:
			conn.SetWriteDeadline(time.Time{})
			conn.SetReadDeadline(time.Time{})
			return conn, pending, nil
		case protocol.TypeEvent:
			if ev, ok := s.decodeEvent(data); ok {
				pending = append(pending, ev)
			}
		case protocol.TypeError:
			var errMsg protocol.ErrorMessage
			json.Unmarshal(data, &errMsg)
			conn.Close()
			return nil, nil, backoff.Permanent(fmt.Errorf("subscribe rejected: %s - %s", errMsg.Code, errMsg.Message))
		default:
			conn.Close()
			return nil, nil, fmt.Errorf("expected subscribed, got: %s", base.Type)
		}
	}
}

func (s *Subscription) read(conn *websocket.Conn) error {
	timeout := s.client.opts.ReadTimeout
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(timeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}

		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			s.logger.Warn("malformed feed frame", "error", err)
			continue
		}
		switch base.Type {
		case protocol.TypeEvent:
			ev, ok := s.decodeEvent(data)
			if !ok {
				continue
			}
			if !s.enqueue(ev) {
				return s.ctx.Err()
			}
		case protocol.TypeError:
			s.logger.Warn("feed error frame", "frame", string(data))
		}
	}
}

func (s *Subscription) decodeEvent(data []byte) (Event, bool) {
	var msg protocol.EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed event frame", "error", err)
		return Event{}, false
	}
	if msg.Channel != "" && msg.Channel != s.channel {
		s.logger.Warn("event for another channel ignored", "event_channel", msg.Channel)
		return Event{}, false
	}
	return Event{
		Channel: s.channel,
		EventID: msg.EventID,
		Kind:    msg.Kind,
		Payload: msg.Payload,
		Ts:      msg.Ts,
	}, true
}

func (s *Subscription) enqueue(ev Event) bool {
	select {
	case s.queue <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// dispatch calls the handler for queued events in FIFO order.
func (s *Subscription) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			if s.ctx.Err() != nil {
				return
			}
			s.deliver(ev)
		}
	}
}

func (s *Subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("feed handler panicked", "event_id", ev.EventID, "panic", r)
		}
	}()
	s.handler(ev)
}

func (s *Subscription) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscription) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *Subscription) clearConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Subscription) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Subscription) setStatus(status Status, err error) {
	s.mu.Lock()
	if s.status == status && err == nil {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if fn := s.client.opts.OnStatus; fn != nil {
		fn(s.channel, status, err)
	}
}
