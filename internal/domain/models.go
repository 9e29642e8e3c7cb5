package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session identifies one live engagement between a provider and a customer.
// The record carries the opening terms; later rate, multiplier and pause changes
// live in the control log.
type Session struct {
	SessionID     string          `json:"session_id"`
	ProviderName  string          `json:"provider_name"`
	CustomerName  string          `json:"customer_name"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	StartPaused   bool            `json:"start_paused"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// Ended reports whether the session has received its end signal.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Message is an immutable chat line.
type Message struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	SenderRole        Role      `json:"sender_role"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"created_at"`
}

// MessageBefore orders messages by created_at ascending with id as tiebreak.
func MessageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// FileAsset is an immutable uploaded file record.
type FileAsset struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Name             string    `json:"name"`
	MimeType         string    `json:"mime_type"`
	ByteSize         int64     `json:"byte_size"`
	UploadedByRole   Role      `json:"uploaded_by_role"`
	UploadedByID     string    `json:"uploaded_by_id"`
	StorageReference string    `json:"storage_reference"`
	URL              string    `json:"url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// FileNewer orders files newest-first with id as tiebreak.
func FileNewer(a, b FileAsset) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ControlEvent changes session-level billing state.
type ControlEvent struct {
	EventID       string           `json:"event_id"`
	SessionID     string           `json:"session_id"`
	Seq           int64            `json:"seq,omitempty"` // assigned by the store
	Kind          ControlKind      `json:"kind"`
	NewRate       *decimal.Decimal `json:"new_rate,omitempty"`
	NewMultiplier *decimal.Decimal `json:"new_multiplier,omitempty"`
	SenderRole    Role             `json:"sender_role,omitempty"`
	SenderID      string           `json:"sender_id,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Invoice is derived from a frozen (elapsed, rate, multiplier, tax rate) tuple.
// Amounts are rounded to two places.
type Invoice struct {
	InvoiceID      string          `json:"invoice_id"`
	SessionID      string          `json:"session_id"`
	ProviderName   string          `json:"provider_name"`
	CustomerName   string          `json:"customer_name"`
	ElapsedSeconds int64           `json:"elapsed_seconds"`
	BilledMinutes  int64           `json:"billed_minutes"`
	RatePerMinute  decimal.Decimal `json:"rate_per_minute"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	GeneratedAt    time.Time       `json:"generated_at"`
	DueAt          time.Time       `json:"due_at"`
}
