package panel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/feed"
)

// handlerFor decodes one channel's events and routes them through deduplication.
func (c *Controller) handlerFor(res domain.Resource) feed.Handler {
	switch res {
	case domain.ResourceMessages:
		return func(ev feed.Event) {
			var msg domain.Message
			if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.ID == "" {
				c.logger.Warn("undecodable message event", "event_id", ev.EventID, "error", err)
				return
			}
			c.ingestMessage(msg)
		}
	case domain.ResourceFiles:
		return func(ev feed.Event) {
			var file domain.FileAsset
			if err := json.Unmarshal(ev.Payload, &file); err != nil || file.ID == "" {
				c.logger.Warn("undecodable file event", "event_id", ev.EventID, "error", err)
				return
			}
			c.ingestFile(file)
		}
	default:
		return func(ev feed.Event) {
			var ce domain.ControlEvent
			if err := json.Unmarshal(ev.Payload, &ce); err != nil {
				c.logger.Warn("undecodable control event", "event_id", ev.EventID, "error", err)
				return
			}
			if ce.EventID == "" {
				ce.EventID = ev.EventID
			}
			c.applyControl(ce)
		}
	}
}

func (c *Controller) ingestMessage(msg domain.Message) {
	if msg.SessionID != "" && msg.SessionID != c.cfg.SessionID {
		return
	}
	if !c.messages.Apply(msg) {
		c.counters.DedupDropped.Add(context.Background(), 1)
		c.logger.Debug("duplicate message dropped", "event_id", msg.ID)
		return
	}
	c.notify(Change{Kind: ChangeMessages})
}

func (c *Controller) ingestFile(file domain.FileAsset) {
	if file.SessionID != "" && file.SessionID != c.cfg.SessionID {
		return
	}
	if !c.files.Apply(file) {
		c.counters.DedupDropped.Add(context.Background(), 1)
		c.logger.Debug("duplicate file dropped", "event_id", file.ID)
		return
	}
	c.notify(Change{Kind: ChangeFiles})
}

// applyControl is the single ingestion path for control events, whether they come
// from the initial load, the feed, polling or a write acknowledgment.
func (c *Controller) applyControl(ev domain.ControlEvent) error {
	err := c.machine.Apply(ev)
	switch {
	case err == nil:
		c.notify(Change{Kind: ChangeState})
	case errors.Is(err, domain.ErrStaleControlEvent):
		c.counters.ControlStale.Add(context.Background(), 1)
	case errors.Is(err, domain.ErrDuplicateDropped):
		c.counters.DedupDropped.Add(context.Background(), 1)
	default:
		c.logger.Warn("control event rejected", "event_id", ev.EventID, "kind", string(ev.Kind), "error", err)
	}
	return err
}

// applyControlLog replays store results in log order and advances syncedSeq.
func (c *Controller) applyControlLog(events []domain.ControlEvent) {
	for _, ev := range events {
		c.applyControl(ev)
		c.mu.Lock()
		if ev.Seq > c.syncedSeq {
			c.syncedSeq = ev.Seq
		}
		c.mu.Unlock()
	}
}

func (c *Controller) onStatus(channel string, status feed.Status, err error) {
	c.mu.Lock()
	c.statuses[channel] = status
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch status {
	case feed.StatusDegraded:
		if !c.polling {
			c.polling = true
			pollCtx, cancel := context.WithCancel(c.ctx)
			c.pollCancel = cancel
			c.wg.Add(1)
			go c.pollLoop(pollCtx)
			c.logger.Warn("feed degraded, polling store", "channel", channel, "error", err)
		}
	case feed.StatusConnected:
		if c.polling && c.allConnectedLocked() {
			c.polling = false
			c.pollCancel()
			c.pollCancel = nil
			c.logger.Info("feed recovered, polling stopped")
		}
		// Anything written while this channel was down is fetched once.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.resync(c.ctx)
		}()
	}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeFeed, Channel: channel, Status: status, Err: err})
}

func (c *Controller) allConnectedLocked() bool {
	if len(c.statuses) < 3 {
		return false
	}
	for _, s := range c.statuses {
		if s != feed.StatusConnected {
			return false
		}
	}
	return true
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resync(ctx)
		}
	}
}

// resync queries the store for everything the feeds may have missed. All results
// go through the same deduplicating ingestion as feed events.
func (c *Controller) resync(ctx context.Context) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c.mu.Lock()
	afterSeq := c.syncedSeq
	c.mu.Unlock()

	var (
		messages []domain.Message
		files    []domain.FileAsset
		events   []domain.ControlEvent
	)
	g, gctx := errgroup.WithContext(syncCtx)
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
		events, err = c.store.ListControlEvents(gctx, c.cfg.SessionID, afterSeq)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("store catch-up failed", "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	for _, m := range messages {
		if !c.messages.Seen(m.ID) {
			c.ingestMessage(m)
		}
	}
	for _, f := range files {
		if !c.files.Seen(f.ID) {
			c.ingestFile(f)
		}
	}
	c.applyControlLog(events)
}
