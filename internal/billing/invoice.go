package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/domain"
)

// invoiceNamespace scopes invoice identities derived from their inputs.
var invoiceNamespace = uuid.MustParse("6f1c8a52-4a8e-5b0c-9d3e-1f7a2b6c9e40")

// InvoiceInput is the frozen state an invoice is derived from.
type InvoiceInput struct {
	SessionID      string
	ProviderName   string
	CustomerName   string
	ElapsedSeconds int64
	RatePerMinute  decimal.Decimal
	Multiplier     decimal.Decimal
	GeneratedAt    time.Time
	DueDays        int
}

// NewInvoice derives an invoice. Identical inputs always yield an identical invoice,
// including its id, so persisting it twice is a no-op.
func (c *Calculator) NewInvoice(in InvoiceInput) domain.Invoice {
	b := c.Compute(in.ElapsedSeconds, in.RatePerMinute, in.Multiplier)
	generatedAt := in.GeneratedAt.UTC().Truncate(time.Second)

	inv := domain.Invoice{
		SessionID:      in.SessionID,
		ProviderName:   in.ProviderName,
		CustomerName:   in.CustomerName,
		ElapsedSeconds: in.ElapsedSeconds,
		BilledMinutes:  b.BilledMinutes,
		RatePerMinute:  in.RatePerMinute,
		Multiplier:     in.Multiplier,
		TaxRate:        c.taxRate,
		Subtotal:       b.Subtotal,
		TaxAmount:      b.Tax,
		TotalAmount:    b.Total,
		GeneratedAt:    generatedAt,
		DueAt:          generatedAt.AddDate(0, 0, in.DueDays),
	}
	inv.InvoiceID = InvoiceID(inv)
	return inv
}

// InvoiceID is a name-based UUID over the invoice's inputs.
func InvoiceID(inv domain.Invoice) string {
	canonical := strings.Join([]string{
		inv.SessionID,
		fmt.Sprintf("%d", inv.ElapsedSeconds),
		inv.RatePerMinute.String(),
		inv.Multiplier.String(),
		inv.TaxRate.String(),
		fmt.Sprintf("%d", inv.GeneratedAt.Unix()),
	}, "|")
	return "inv_" + uuid.NewSHA1(invoiceNamespace, []byte(canonical)).String()
}
