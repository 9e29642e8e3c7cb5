// Package session holds the authoritative local view of one live session's billing state.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/dedup"
	"github.com/xiaot623/livesession/internal/domain"
)

// State is the clock state of a session.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Config seeds a Machine from a session record.
type Config struct {
	SessionID     string
	StartedAt     time.Time
	StartPaused   bool
	RatePerMinute decimal.Decimal
	Multiplier    decimal.Decimal
	Clock         Clock
	Logger        *slog.Logger
}

// Snapshot is the billing-relevant state at one instant.
type Snapshot struct {
	SessionID      string
	State          State
	Elapsed        time.Duration
	ElapsedSeconds int64
	RatePerMinute  decimal.Decimal
	Multiplier     decimal.Decimal
	AsOf           time.Time
}

// IsPaused reports whether the clock is frozen by a pause.
func (s Snapshot) IsPaused() bool { return s.State == StatePaused }

// Ended reports whether the session has ended.
func (s Snapshot) Ended() bool { return s.State == StateEnded }

// Machine applies control events for one session. Every mutation goes through Apply.
type Machine struct {
	mu     sync.Mutex
	clock  Clock
	logger *slog.Logger
	seen   *dedup.Set

	sessionID string
	state     State

	// accumulated is the running time banked before runningSince.
	accumulated  time.Duration
	runningSince time.Time
	// lastTransition keeps transition instants non-decreasing.
	lastTransition time.Time
	// observedAt is the latest instant a Snapshot reported. Transitions never land
	// before it, so elapsed time already shown cannot shrink.
	observedAt time.Time
	endedAt    time.Time

	rate       decimal.Decimal
	multiplier decimal.Decimal
}

// New returns a Machine in the running state, or paused if cfg.StartPaused.
func New(cfg Config) *Machine {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = clock.Now()
	}
	multiplier := cfg.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}

	m := &Machine{
		clock:          clock,
		logger:         logger.With("session_id", cfg.SessionID),
		seen:           dedup.NewSet(),
		sessionID:      cfg.SessionID,
		state:          StateRunning,
		runningSince:   startedAt,
		lastTransition: startedAt,
		rate:           cfg.RatePerMinute,
		multiplier:     multiplier,
	}
	if cfg.StartPaused {
		m.state = StatePaused
	}
	return m
}

// Apply ingests a control event. It returns nil when the event changed state,
// ErrDuplicateDropped (or ErrInvalidTransition) when it was absorbed,
// ErrStaleControlEvent when the session already ended, and ErrValidation for a
// malformed payload.
func (m *Machine) Apply(ev domain.ControlEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.With("event_id", ev.EventID, "kind", string(ev.Kind))

	if ev.SessionID != "" && ev.SessionID != m.sessionID {
		return domain.Validationf("event for session %s applied to %s", ev.SessionID, m.sessionID)
	}

	if m.state == StateEnded {
		if ev.Kind == domain.ControlSessionEnded {
			return domain.ErrDuplicateDropped
		}
		log.Warn("control event after session end ignored")
		return fmt.Errorf("%w: %s", domain.ErrStaleControlEvent, ev.EventID)
	}

	if ev.EventID == "" {
		return domain.Validationf("control event without id")
	}
	if err := Validate(ev); err != nil {
		return err
	}
	if !m.seen.Apply(ev.EventID) {
		log.Debug("duplicate control event dropped")
		return domain.ErrDuplicateDropped
	}

	at := m.transitionTime(ev.OccurredAt)

	switch ev.Kind {
	case domain.ControlPause:
		if m.state == StatePaused {
			return domain.ErrInvalidTransition
		}
		m.accumulated += at.Sub(m.runningSince)
		m.state = StatePaused
		m.lastTransition = at
	case domain.ControlResume:
		if m.state == StateRunning {
			return domain.ErrInvalidTransition
		}
		m.runningSince = at
		m.state = StateRunning
		m.lastTransition = at
	case domain.ControlRateChanged:
		m.rate = *ev.NewRate
	case domain.ControlMultiplierChanged:
		m.multiplier = *ev.NewMultiplier
	case domain.ControlSessionEnded:
		m.endLocked(at)
	}
	log.Debug("control event applied", "state", string(m.state))
	return nil
}

// End marks the session ended at the given instant. Later events are stale.
func (m *Machine) End(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEnded {
		return
	}
	m.endLocked(m.transitionTime(at))
}

func (m *Machine) endLocked(at time.Time) {
	if m.state == StateRunning {
		m.accumulated += at.Sub(m.runningSince)
	}
	m.state = StateEnded
	m.endedAt = at
	m.lastTransition = at
}

// transitionTime clamps an event timestamp into [max(lastTransition, observedAt), now].
// A zero timestamp means "now".
func (m *Machine) transitionTime(at time.Time) time.Time {
	now := m.clock.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	if at.Before(m.lastTransition) {
		at = m.lastTransition
	}
	if at.Before(m.observedAt) {
		at = m.observedAt
	}
	return at
}

// Snapshot returns the state as of now. It changes no billing state; it only
// records the instant it reported.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	elapsed := m.accumulated
	asOf := now
	switch m.state {
	case StateRunning:
		if now.After(m.runningSince) {
			elapsed += now.Sub(m.runningSince)
		}
		if now.After(m.observedAt) {
			m.observedAt = now
		}
	case StateEnded:
		asOf = m.endedAt
	}

	return Snapshot{
		SessionID:      m.sessionID,
		State:          m.state,
		Elapsed:        elapsed,
		ElapsedSeconds: int64(elapsed / time.Second),
		RatePerMinute:  m.rate,
		Multiplier:     m.multiplier,
		AsOf:           asOf,
	}
}

// Seen reports whether an event identity has already been ingested.
func (m *Machine) Seen(eventID string) bool {
	return m.seen.Seen(eventID)
}

// Reset clears the identity set. The frozen billing state is kept.
func (m *Machine) Reset() {
	m.seen.Reset()
}

// Validate checks a control event payload against its kind.
func Validate(ev domain.ControlEvent) error {
	switch ev.Kind {
	case domain.ControlPause, domain.ControlResume, domain.ControlSessionEnded:
		return nil
	case domain.ControlRateChanged:
		if ev.NewRate == nil {
			return domain.Validationf("rate_changed without new_rate")
		}
		if ev.NewRate.IsNegative() {
			return domain.Validationf("rate %s is negative", ev.NewRate)
		}
		return nil
	case domain.ControlMultiplierChanged:
		if ev.NewMultiplier == nil {
			return domain.Validationf("multiplier_changed without new_multiplier")
		}
		if !ev.NewMultiplier.IsPositive() {
			return domain.Validationf("multiplier %s must be positive", ev.NewMultiplier)
		}
		return nil
	}
	return domain.Validationf("unknown control kind %q", ev.Kind)
}
