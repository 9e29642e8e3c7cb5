package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/livesession/internal/domain"
)

// CreateSession opens a session record with its initial terms.
func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "CreateSession")
	defer span.End()

	if strings.TrimSpace(req.ProviderName) == "" || strings.TrimSpace(req.CustomerName) == "" {
		return nil, domain.Validationf("provider_name and customer_name are required")
	}
	if req.RatePerMinute.IsNegative() {
		return nil, domain.Validationf("rate_per_minute must not be negative")
	}
	multiplier := req.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	if !multiplier.IsPositive() {
		return nil, domain.Validationf("multiplier must be positive")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}
	if strings.Contains(sessionID, "/") {
		return nil, domain.Validationf("session_id must not contain '/'")
	}
	existing, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if existing != nil {
		return nil, domain.Validationf("session %s already exists", sessionID)
	}

	session := &domain.Session{
		SessionID:     sessionID,
		ProviderName:  req.ProviderName,
		CustomerName:  req.CustomerName,
		RatePerMinute: req.RatePerMinute,
		Multiplier:    multiplier,
		StartPaused:   req.StartPaused,
		StartedAt:     s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	span.SetAttributes(attribute.String("session_id", sessionID))
	s.logger.Info("session created", "session_id", sessionID)
	return session, nil
}

// GetSession returns a session or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// EndSession stamps ended_at and appends session_ended to the control log.
// Ending an ended session returns it unchanged.
func (s *Service) EndSession(ctx context.Context, sessionID string, role domain.Role, senderID string) (*domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "EndSession", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ev := domain.ControlEvent{
		EventID:    endEventID(sessionID),
		SessionID:  sessionID,
		Kind:       domain.ControlSessionEnded,
		SenderRole: role,
		SenderID:   senderID,
	}
	if _, _, err := s.endSession(ctx, ev); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, sessionID)
}

// endSession has a single identity per session so that concurrent or repeated end
// requests collapse into one log entry.
func (s *Service) endSession(ctx context.Context, ev domain.ControlEvent) (*domain.ControlEvent, bool, error) {
	at := s.now().UTC()
	if _, err := s.store.EndSession(ctx, ev.SessionID, at); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}

	ev.EventID = endEventID(ev.SessionID)
	ev.OccurredAt = at
	created, err := s.store.CreateControlEvent(ctx, &ev)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	if !created {
		return s.storedControlEvent(ctx, ev)
	}
	s.publish(ev.SessionID, domain.ResourceControl, ev.EventID, string(ev.Kind), ev)
	s.logger.Info("session ended", "session_id", ev.SessionID, "seq", ev.Seq)
	return &ev, true, nil
}

func endEventID(sessionID string) string {
	return "end_" + sessionID
}
