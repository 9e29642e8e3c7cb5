// Package panel runs one participant's view of a live session: it loads history,
// follows the three change feeds, applies control events to the billing state
// machine and performs the participant's writes.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/livesession/internal/billing"
	"github.com/xiaot623/livesession/internal/dedup"
	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/feed"
	"github.com/xiaot623/livesession/internal/protocol"
	"github.com/xiaot623/livesession/internal/session"
	"github.com/xiaot623/livesession/internal/telemetry"
)

// Store is the durable store as seen by a participant.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	ListFiles(ctx context.Context, sessionID string) ([]domain.FileAsset, error)
	ListControlEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.ControlEvent, error)
	PostMessage(ctx context.Context, sessionID string, req domain.PostMessageRequest) (*domain.Message, error)
	UploadFile(ctx context.Context, sessionID string, req domain.UploadFileRequest) (*domain.FileAsset, error)
	PostControlEvent(ctx context.Context, sessionID string, ev domain.ControlEvent) (*domain.ControlEvent, error)
	SaveInvoice(ctx context.Context, sessionID string, inv domain.Invoice) (*domain.Invoice, error)
}

// Participant identifies who is operating the view.
type Participant struct {
	Role        domain.Role
	ID          string
	DisplayName string
}

// ChangeKind says which part of the view changed.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeFiles    ChangeKind = "files"
	ChangeState    ChangeKind = "state"
	ChangeFeed     ChangeKind = "feed"
)

// Change is passed to Config.OnChange. Err is set for feed degradation.
type Change struct {
	Kind    ChangeKind
	Channel string
	Status  feed.Status
	Err     error
}

// Config configures a Controller.
type Config struct {
	SessionID    string
	Participant  Participant
	Store        Store
	Feed         feed.Options
	Calculator   *billing.Calculator
	DueDays      int
	PollInterval time.Duration
	Clock        session.Clock
	Logger       *slog.Logger
	// OnChange is called after the view changes. It runs on feed goroutines and
	// must not block for long or call Close.
	OnChange func(Change)
}

// Controller is one open session view. Create it with New, then Start.
type Controller struct {
	cfg      Config
	store    Store
	feed     *feed.Client
	calc     *billing.Calculator
	clock    session.Clock
	logger   *slog.Logger
	counters *telemetry.Counters

	messages *dedup.Log[domain.Message]
	files    *dedup.Log[domain.FileAsset]

	// machine and record are set by Start.
	machine *session.Machine
	record  *domain.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	subs       []*feed.Subscription
	statuses   map[string]feed.Status
	polling    bool
	pollCancel context.CancelFunc
	syncedSeq  int64
	// syncMu serializes catch-up queries.
	syncMu sync.Mutex
}

// New validates cfg. No I/O happens until Start.
func New(cfg Config) (*Controller, error) {
	if cfg.SessionID == "" {
		return nil, domain.Validationf("session id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if !cfg.Participant.Role.Valid() {
		return nil, domain.Validationf("unknown participant role %q", cfg.Participant.Role)
	}
	calc := cfg.Calculator
	if calc == nil {
		var err error
		calc, err = billing.NewCalculator(billing.DefaultTaxRate)
		if err != nil {
			return nil, err
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = billing.DefaultDueDays
	}
	clock := cfg.Clock
	if clock == nil {
		clock = session.SystemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID, "role", string(cfg.Participant.Role))

	c := &Controller{
		cfg:      cfg,
		store:    cfg.Store,
		calc:     calc,
		clock:    clock,
		logger:   logger,
		counters: telemetry.Instruments(),
		messages: dedup.NewLog(func(m domain.Message) string { return m.ID }, domain.MessageBefore),
		files:    dedup.NewLog(func(f domain.FileAsset) string { return f.ID }, domain.FileNewer),
		statuses: make(map[string]feed.Status),
	}
	feedOpts := cfg.Feed
	feedOpts.Logger = logger
	feedOpts.OnStatus = c.onStatus
	c.feed = feed.NewClient(feedOpts)
	return c, nil
}

// Start loads the session and its history, rebuilds billing state from the control
// log and subscribes to the messages, files and control channels.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	var (
		record   *domain.Session
		messages []domain.Message
		files    []domain.FileAsset
		events   []domain.ControlEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		record, err = c.store.GetSession(gctx, c.cfg.SessionID)
		if err == nil && record == nil {
			err = fmt.Errorf("%w: %s", domain.ErrSessionNotFound, c.cfg.SessionID)
		}
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = c.store.ListMessages(gctx, c.cfg.SessionID)
		return err
	})
	g.Go(func() error {
		var err error
		files, err = c.store.ListFiles(gctx, c.cfg.SessionID)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = c.store.ListControlEvents(gctx, c.cfg.SessionID, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	c.record = record
	c.machine = session.New(session.Config{
		SessionID:     record.SessionID,
		StartedAt:     record.StartedAt,
		StartPaused:   record.StartPaused,
		RatePerMinute: record.RatePerMinute,
		Multiplier:    record.Multiplier,
		Clock:         c.clock,
		Logger:        c.logger,
	})
	c.applyControlLog(events)
	if record.EndedAt != nil {
		c.machine.End(*record.EndedAt)
	}
	for _, m := range messages {
		c.messages.Apply(m)
	}
	for _, f := range files {
		c.files.Apply(f)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, res := range []domain.Resource{domain.ResourceMessages, domain.ResourceFiles, domain.ResourceControl} {
		channel := protocol.ChannelKey(c.cfg.SessionID, res)
		sub, err := c.feed.Subscribe(c.ctx, channel, c.handlerFor(res))
		if err != nil {
			c.Close()
			return fmt.Errorf("failed to subscribe %s: %w", channel, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	c.logger.Info("session view started",
		"messages", c.messages.Len(), "files", c.files.Len(), "control_events", len(events))
	return nil
}

// Close unsubscribes every channel, stops polling and clears the deduplicators.
// The frozen billing state stays readable.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.polling = false
	cancel := c.cancel
	c.mu.Unlock()

	// Unsubscribe waits for in-flight handlers, which may take c.mu.
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.messages.Reset()
	c.files.Reset()
	if c.machine != nil {
		c.machine.Reset()
	}
	c.logger.Info("session view closed")
}

// Session returns the session record loaded by Start, or nil before Start.
func (c *Controller) Session() *domain.Session {
	return c.record
}

// Messages returns the chat history oldest first.
func (c *Controller) Messages() []domain.Message {
	return c.messages.Items()
}

// Files returns uploaded files newest first.
func (c *Controller) Files() []domain.FileAsset {
	return c.files.Items()
}

// State returns the billing state as of now. Before Start it is the zero
// snapshot for the configured session.
func (c *Controller) State() session.Snapshot {
	if c.machine == nil {
		return session.Snapshot{SessionID: c.cfg.SessionID}
	}
	return c.machine.Snapshot()
}

// FeedStatus returns the last reported status of each channel.
func (c *Controller) FeedStatus() map[string]feed.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]feed.Status, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}

// Degraded reports whether any channel is currently degraded.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}

func (c *Controller) notify(change Change) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(change)
	}
}
