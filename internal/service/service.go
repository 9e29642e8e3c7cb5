// Package service implements the server-side session operations: every write is
// persisted first and then announced on the session's change feed.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/livesession/internal/blob"
	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/policy"
	"github.com/xiaot623/livesession/internal/protocol"
	"github.com/xiaot623/livesession/internal/store"
	"github.com/xiaot623/livesession/internal/telemetry"
)

// Broadcaster publishes feed frames to a channel.
type Broadcaster interface {
	BroadcastJSON(channel string, v interface{}) error
}

// Config bounds client input.
type Config struct {
	MaxMessageLength int
	MaxUploadBytes   int64
}

type Service struct {
	store        store.Store
	blobs        blob.Store
	feed         Broadcaster
	policyEngine *policy.Engine
	config       Config
	logger       *slog.Logger
	tracer       trace.Tracer
	counters     *telemetry.Counters
	now          func() time.Time
}

func New(store store.Store, blobs blob.Store, feed Broadcaster, policyEngine *policy.Engine, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		blobs:        blobs,
		feed:         feed,
		policyEngine: policyEngine,
		config:       cfg,
		logger:       logger,
		tracer:       telemetry.Tracer("service"),
		counters:     telemetry.Instruments(),
		now:          time.Now,
	}
}

// publish announces a persisted record. Feed delivery is best effort: subscribers
// that miss it re-sync from the store.
func (s *Service) publish(sessionID string, resource domain.Resource, eventID, kind string, payload interface{}) {
	if s.feed == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode feed payload", "session_id", sessionID, "event_id", eventID, "error", err)
		return
	}
	channel := protocol.ChannelKey(sessionID, resource)
	frame := protocol.EventMessage{
		BaseMessage: protocol.BaseMessage{
			Type:    protocol.TypeEvent,
			Ts:      s.now().UnixMilli(),
			Channel: channel,
		},
		EventID: eventID,
		Kind:    kind,
		Payload: data,
	}
	if err := s.feed.BroadcastJSON(channel, frame); err != nil {
		s.logger.Warn("failed to broadcast", "channel", channel, "event_id", eventID, "error", err)
	}
}

// liveSession loads a session and rejects ended ones.
func (s *Service) liveSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Ended() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEnded, sessionID)
	}
	return session, nil
}
