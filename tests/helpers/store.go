// Package helpers holds fixtures shared by package tests.
package helpers

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/store"
)

// NewMemoryStore opens an in-memory SQL store that is closed when the test ends.
func NewMemoryStore(t *testing.T) *store.SQLStore {
	t.Helper()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SessionOpener creates session records; the service and the API client both do.
type SessionOpener interface {
	CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error)
}

// SessionRequest returns the terms most tests bill against: 2.00 per minute
// between "Dr. Rao" and "Acme", with the multiplier left to its default.
func SessionRequest(sessionID string) domain.CreateSessionRequest {
	return domain.CreateSessionRequest{
		SessionID:     sessionID,
		ProviderName:  "Dr. Rao",
		CustomerName:  "Acme",
		RatePerMinute: decimal.RequireFromString("2.00"),
	}
}

// OpenSession creates req through o and fails the test on error.
func OpenSession(t *testing.T, o SessionOpener, req domain.CreateSessionRequest) *domain.Session {
	t.Helper()

	sess, err := o.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("create session %q: %v", req.SessionID, err)
	}
	return sess
}
