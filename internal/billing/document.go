package billing

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/domain"
)

var documentTemplate = template.Must(template.New("invoice").Parse(`INVOICE {{.ID}}

Session:   {{.SessionID}}
Provider:  {{.Provider}}
Customer:  {{.Customer}}
Issued:    {{.Issued}}
Due:       {{.Due}}

Billed duration   {{.Minutes}} min ({{.HoursMinutes}})
Rate per minute   {{.Rate}}
Multiplier        x{{.Multiplier}}
Subtotal          {{.Subtotal}}
Tax ({{.TaxPercent}}%)        {{.Tax}}
Total             {{.Total}}
`))

type documentView struct {
	ID, SessionID, Provider, Customer string
	Issued, Due                       string
	Minutes                           int64
	HoursMinutes                      string
	Rate, Multiplier                  string
	Subtotal, Tax, Total              string
	TaxPercent                        string
}

// RenderDocument renders the downloadable text form of an invoice.
// The output depends only on inv.
func RenderDocument(inv domain.Invoice) ([]byte, error) {
	view := documentView{
		ID:           inv.InvoiceID,
		SessionID:    inv.SessionID,
		Provider:     inv.ProviderName,
		Customer:     inv.CustomerName,
		Issued:       inv.GeneratedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		Due:          inv.DueAt.UTC().Format("2006-01-02"),
		Minutes:      inv.BilledMinutes,
		HoursMinutes: HoursMinutes(inv.BilledMinutes),
		Rate:         FormatMoney(inv.RatePerMinute),
		Multiplier:   inv.Multiplier.String(),
		Subtotal:     FormatMoney(inv.Subtotal),
		Tax:          FormatMoney(inv.TaxAmount),
		Total:        FormatMoney(inv.TotalAmount),
		TaxPercent:   inv.TaxRate.Mul(decimal.NewFromInt(100)).String(),
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}
	return buf.Bytes(), nil
}

// HoursMinutes formats whole minutes as h:mm.
func HoursMinutes(minutes int64) string {
	return fmt.Sprintf("%d:%02d", minutes/60, minutes%60)
}
