// Package store defines the durable store interface and its SQL implementation.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/livesession/internal/domain"
)

// Store defines the interface for data persistence.
//
// Create* calls are idempotent on the record id: repeating a write reports
// created=false and leaves the stored row untouched.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) (bool, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// File operations
	CreateFile(ctx context.Context, file *domain.FileAsset) (bool, error)
	ListFiles(ctx context.Context, sessionID string) ([]domain.FileAsset, error)

	// Control log operations
	CreateControlEvent(ctx context.Context, event *domain.ControlEvent) (bool, error)
	ListControlEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.ControlEvent, error)

	// Invoice operations
	SaveInvoice(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, bool, error)
	ListInvoices(ctx context.Context, sessionID string) ([]domain.Invoice, error)

	// Lifecycle
	Close() error
}
