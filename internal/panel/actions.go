package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/billing"
	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/session"
)

// InvoiceResult is the outcome of GenerateInvoice. Totals are valid even when
// Recorded is false; SaveErr then says why persisting failed.
type InvoiceResult struct {
	Invoice  domain.Invoice
	Document []byte
	Recorded bool
	SaveErr  error
}

// SendMessage writes a chat message and returns its id. The message appears in
// Messages only once the feed (or a catch-up query) delivers it.
func (c *Controller) SendMessage(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", domain.Validationf("message body is empty")
	}
	req := domain.PostMessageRequest{
		ID:                "msg_" + uuid.NewString(),
		SenderRole:        c.cfg.Participant.Role,
		SenderID:          c.cfg.Participant.ID,
		SenderDisplayName: c.cfg.Participant.DisplayName,
		Body:              body,
	}
	if _, err := c.store.PostMessage(ctx, c.cfg.SessionID, req); err != nil {
		c.logger.Warn("message write failed", "event_id", req.ID, "error", err)
		return "", writeFailed(err)
	}
	return req.ID, nil
}

// UploadFile writes a file and returns its id. Like messages, it is shown when
// delivered back.
func (c *Controller) UploadFile(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	req := domain.UploadFileRequest{
		ID:             "file_" + uuid.NewString(),
		Name:           name,
		MimeType:       mimeType,
		UploadedByRole: c.cfg.Participant.Role,
		UploadedByID:   c.cfg.Participant.ID,
		Data:           data,
	}
	if _, err := c.store.UploadFile(ctx, c.cfg.SessionID, req); err != nil {
		c.logger.Warn("file write failed", "event_id", req.ID, "error", err)
		return "", writeFailed(err)
	}
	return req.ID, nil
}

// Pause freezes the elapsed clock.
func (c *Controller) Pause(ctx context.Context) error {
	return c.control(ctx, domain.ControlPause, nil, nil)
}

// Resume restarts the elapsed clock.
func (c *Controller) Resume(ctx context.Context) error {
	return c.control(ctx, domain.ControlResume, nil, nil)
}

// ChangeRate sets the per-minute rate for later invoices.
func (c *Controller) ChangeRate(ctx context.Context, rate decimal.Decimal) error {
	return c.control(ctx, domain.ControlRateChanged, &rate, nil)
}

// ChangeMultiplier sets the multiplier for later invoices.
func (c *Controller) ChangeMultiplier(ctx context.Context, multiplier decimal.Decimal) error {
	return c.control(ctx, domain.ControlMultiplierChanged, nil, &multiplier)
}

// EndSession ends the session for every participant.
func (c *Controller) EndSession(ctx context.Context) error {
	return c.control(ctx, domain.ControlSessionEnded, nil, nil)
}

// control writes a control event and applies the acknowledged copy locally. The
// feed echo of the same event is then dropped as a duplicate.
func (c *Controller) control(ctx context.Context, kind domain.ControlKind, rate, multiplier *decimal.Decimal) error {
	if c.machine == nil {
		return fmt.Errorf("controller not started")
	}

	snap := c.machine.Snapshot()
	if snap.Ended() {
		return fmt.Errorf("%w: session %s has ended", domain.ErrStaleControlEvent, c.cfg.SessionID)
	}
	if (kind == domain.ControlPause && snap.IsPaused()) || (kind == domain.ControlResume && !snap.IsPaused()) {
		return domain.ErrInvalidTransition
	}

	ev := domain.ControlEvent{
		EventID:       "ctl_" + uuid.NewString(),
		SessionID:     c.cfg.SessionID,
		Kind:          kind,
		NewRate:       rate,
		NewMultiplier: multiplier,
		SenderRole:    c.cfg.Participant.Role,
		SenderID:      c.cfg.Participant.ID,
		OccurredAt:    c.clock.Now().UTC(),
	}
	if err := session.Validate(ev); err != nil {
		return err
	}

	stored, err := c.store.PostControlEvent(ctx, c.cfg.SessionID, ev)
	if err != nil {
		c.logger.Warn("control write failed", "event_id", ev.EventID, "kind", string(kind), "error", err)
		return writeFailed(err)
	}

	err = c.applyControl(*stored)
	if errors.Is(err, domain.ErrDuplicateDropped) {
		return nil
	}
	return err
}

// GenerateInvoice freezes elapsed time, rate and multiplier at the moment of the
// call and computes the invoice from them. A control event applied afterwards only
// affects later invoices.
func (c *Controller) GenerateInvoice(ctx context.Context) (*InvoiceResult, error) {
	if c.machine == nil {
		return nil, fmt.Errorf("controller not started")
	}

	snap := c.machine.Snapshot()
	inv := c.calc.NewInvoice(billing.InvoiceInput{
		SessionID:      c.cfg.SessionID,
		ProviderName:   c.record.ProviderName,
		CustomerName:   c.record.CustomerName,
		ElapsedSeconds: snap.ElapsedSeconds,
		RatePerMinute:  snap.RatePerMinute,
		Multiplier:     snap.Multiplier,
		GeneratedAt:    snap.AsOf,
		DueDays:        c.cfg.DueDays,
	})
	doc, err := billing.RenderDocument(inv)
	if err != nil {
		return nil, err
	}
	c.counters.InvoicesGenerated.Add(ctx, 1)

	res := &InvoiceResult{Invoice: inv, Document: doc}
	if _, err := c.store.SaveInvoice(ctx, c.cfg.SessionID, inv); err != nil {
		c.logger.Warn("invoice not recorded", "invoice_id", inv.InvoiceID, "error", err)
		res.SaveErr = writeFailed(err)
		return res, nil
	}
	res.Recorded = true
	c.logger.Info("invoice generated", "invoice_id", inv.InvoiceID, "total", billing.FormatMoney(inv.TotalAmount))
	return res, nil
}

func writeFailed(err error) error {
	if errors.Is(err, domain.ErrStoreWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreWriteFailed, err)
}
