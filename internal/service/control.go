package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/session"
)

// PostControlEvent admits a control event into the session's ordered log and
// announces it on the control channel. The returned event carries its seq.
func (s *Service) PostControlEvent(ctx context.Context, sessionID string, ev domain.ControlEvent) (*domain.ControlEvent, bool, error) {
	ctx, span := s.tracer.Start(ctx, "PostControlEvent", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("kind", string(ev.Kind)),
	))
	defer span.End()

	if ev.SessionID != "" && ev.SessionID != sessionID {
		return nil, false, domain.Validationf("event session %s does not match %s", ev.SessionID, sessionID)
	}
	ev.SessionID = sessionID
	if err := session.Validate(ev); err != nil {
		return nil, false, err
	}
	if ev.SenderRole != "" && !ev.SenderRole.Valid() {
		return nil, false, domain.Validationf("unknown sender_role %q", ev.SenderRole)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	if ev.Kind == domain.ControlSessionEnded {
		return s.endSession(ctx, ev)
	}

	if ev.EventID == "" {
		ev.EventID = "ctl_" + uuid.NewString()
	}
	// A retried write of an already logged event is answered from the log even
	// after the session has ended.
	if existing, ok, err := s.findControlEvent(ctx, sessionID, ev.EventID); err != nil {
		return nil, false, err
	} else if ok {
		return existing, false, nil
	}

	if sess.Ended() {
		s.counters.ControlStale.Add(ctx, 1)
		s.logger.Warn("control event after session end rejected", "session_id", sessionID, "event_id", ev.EventID)
		return nil, false, fmt.Errorf("%w: %s", domain.ErrSessionEnded, sessionID)
	}

	if s.policyEngine != nil {
		decision, err := s.policyEngine.Evaluate(ctx, ev)
		if err != nil {
			return nil, false, err
		}
		if !decision.Allow {
			s.logger.Info("control event blocked", "session_id", sessionID, "event_id", ev.EventID, "reason", decision.Reason)
			return nil, false, fmt.Errorf("%w: %s", domain.ErrPolicyBlocked, decision.Reason)
		}
	}

	// The log only carries server time; a client clock may be skewed or backdated.
	ev.OccurredAt = s.now().UTC()

	created, err := s.store.CreateControlEvent(ctx, &ev)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	if !created {
		return s.storedControlEvent(ctx, ev)
	}

	s.publish(sessionID, domain.ResourceControl, ev.EventID, string(ev.Kind), ev)
	s.logger.Info("control event logged", "session_id", sessionID, "event_id", ev.EventID, "kind", string(ev.Kind), "seq", ev.Seq)
	return &ev, true, nil
}

// ListControlEvents returns the control log after afterSeq.
func (s *Service) ListControlEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.ControlEvent, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListControlEvents(ctx, sessionID, afterSeq)
}

func (s *Service) findControlEvent(ctx context.Context, sessionID, eventID string) (*domain.ControlEvent, bool, error) {
	events, err := s.store.ListControlEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read control log: %w", err)
	}
	for i := range events {
		if events[i].EventID == eventID {
			return &events[i], true, nil
		}
	}
	return nil, false, nil
}

// storedControlEvent returns the logged copy of a duplicate write.
func (s *Service) storedControlEvent(ctx context.Context, ev domain.ControlEvent) (*domain.ControlEvent, bool, error) {
	existing, ok, err := s.findControlEvent(ctx, ev.SessionID, ev.EventID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &ev, false, nil
	}
	return existing, false, nil
}
