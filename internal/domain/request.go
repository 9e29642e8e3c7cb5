package domain

import "github.com/shopspring/decimal"

// CreateSessionRequest opens a session record.
type CreateSessionRequest struct {
	SessionID     string          `json:"session_id,omitempty"`
	ProviderName  string          `json:"provider_name"`
	CustomerName  string          `json:"customer_name"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	StartPaused   bool            `json:"start_paused,omitempty"`
}

// PostMessageRequest is the direct write of a chat message.
// ID is chosen by the sender so that retries are idempotent.
type PostMessageRequest struct {
	ID                string `json:"id"`
	SenderRole        Role   `json:"sender_role"`
	SenderID          string `json:"sender_id"`
	SenderDisplayName string `json:"sender_display_name"`
	Body              string `json:"body"`
}

// UploadFileRequest carries an uploaded file's metadata and content.
type UploadFileRequest struct {
	ID             string
	Name           string
	MimeType       string
	UploadedByRole Role
	UploadedByID   string
	Data           []byte
}
