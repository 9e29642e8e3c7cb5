package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/livesession/internal/domain"
)

// SaveInvoice records a computed invoice. Saving the same invoice id again returns
// the stored copy with created=false.
func (s *Service) SaveInvoice(ctx context.Context, sessionID string, inv domain.Invoice) (*domain.Invoice, bool, error) {
	ctx, span := s.tracer.Start(ctx, "SaveInvoice", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if inv.SessionID != "" && inv.SessionID != sessionID {
		return nil, false, domain.Validationf("invoice session %s does not match %s", inv.SessionID, sessionID)
	}
	inv.SessionID = sessionID
	if inv.InvoiceID == "" {
		return nil, false, domain.Validationf("invoice_id is required")
	}
	if inv.ElapsedSeconds < 0 || inv.TotalAmount.IsNegative() {
		return nil, false, domain.Validationf("invoice amounts must not be negative")
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, false, err
	}

	stored, created, err := s.store.SaveInvoice(ctx, &inv)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	if created {
		s.logger.Info("invoice saved", "session_id", sessionID, "invoice_id", inv.InvoiceID, "total", inv.TotalAmount.StringFixed(2))
	}
	return stored, created, nil
}

// ListInvoices returns a session's invoices oldest first.
func (s *Service) ListInvoices(ctx context.Context, sessionID string) ([]domain.Invoice, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListInvoices(ctx, sessionID)
}
