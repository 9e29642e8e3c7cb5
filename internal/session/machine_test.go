package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/livesession/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func dec(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func newMachine(clock *fakeClock) *Machine {
	return New(Config{
		SessionID:     "s1",
		StartedAt:     clock.Now(),
		RatePerMinute: decimal.RequireFromString("2"),
		Multiplier:    decimal.RequireFromString("1"),
		Clock:         clock,
	})
}

func ev(id string, kind domain.ControlKind) domain.ControlEvent {
	return domain.ControlEvent{EventID: id, SessionID: "s1", Kind: kind}
}

func TestPauseResumeFreezesElapsed(t *testing.T) {
	clock := newFakeClock()
	m := newMachine(clock)

	clock.Advance(40 * time.Second) // t1
	require.NoError(t, m.Apply(ev("e1", domain.ControlPause)))
	assert.True(t, m.Snapshot().IsPaused())

	clock.Advance(300 * time.Second) // t2, excluded
	assert.Equal(t, int64(40), m.Snapshot().ElapsedSeconds)

	require.NoError(t, m.Apply(ev("e2", domain.ControlResume)))
	clock.Advance(25 * time.Second) // t3

	snap := m.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, int64(65), snap.ElapsedSeconds)
}

func TestStartPaused(t *testing.T) {
	clock := newFakeClock()
	m := New(Config{SessionID: "s1", StartedAt: clock.Now(), StartPaused: true, Clock: clock})

	clock.Advance(time.Minute)
	snap := m.Snapshot()
	assert.True(t, snap.IsPaused())
	assert.Equal(t, int64(0), snap.ElapsedSeconds)
	assert.True(t, snap.Multiplier.Equal(decimal.NewFromInt(1)))

	require.NoError(t, m.Apply(ev("e1", domain.ControlResume)))
	clock.Advance(10 * time.Second)
	assert.Equal(t, int64(10), m.Snapshot().ElapsedSeconds)
}

func TestDuplicateAndInvalidTransitionsAreDropped(t *testing.T) {
	clock := newFakeClock()
	m := newMachine(clock)

	clock.Advance(10 * time.Second)
	require.NoError(t, m.Apply(ev("p1", domain.ControlPause)))

	// Same pause rebroadcast to another tab.
	err := m.Apply(ev("p1", domain.ControlPause))
	assert.ErrorIs(t, err, domain.ErrDuplicateDropped)

	// A second distinct pause while paused.
	err = m.Apply(ev("p2", domain.ControlPause))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, err, domain.ErrDuplicateDropped)

	clock.Advance(10 * time.Second)
	require.NoError(t, m.Apply(ev("r1", domain.ControlResume)))
	err = m.Apply(ev("r2", domain.ControlResume))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clock.Advance(5 * time.Second)
	assert.Equal(t, int64(15), m.Snapshot().ElapsedSeconds)
}

func TestLastAppliedRateAndMultiplierWin(t *testing.T) {
	clock := newFakeClock()
	m := newMachine(clock)

	events := []domain.ControlEvent{
		{EventID: "r1", Kind: domain.ControlRateChanged, NewRate: dec("3")},
		{EventID: "m1", Kind: domain.ControlMultiplierChanged, NewMultiplier: dec("2")},
		{EventID: "r2", Kind: domain.ControlRateChanged, NewRate: dec("5.5")},
		{EventID: "r1", Kind: domain.ControlRateChanged, NewRate: dec("3")},
		{EventID: "m2", Kind: domain.ControlMultiplierChanged, NewMultiplier: dec("1.25")},
		{EventID: "m1", Kind: domain.ControlMultiplierChanged, NewMultiplier: dec("2")},
	}
	for _, e := range events {
		err := m.Apply(e)
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrDuplicateDropped)
		}
	}

	snap := m.Snapshot()
	assert.True(t, snap.RatePerMinute.Equal(decimal.RequireFromString("5.5")))
	assert.True(t, snap.Multiplier.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, StateRunning, snap.State)
}

func TestStaleEventsAfterEndAreIgnored(t *testing.T) {
	clock := newFakeClock()
	m := newMachine(clock)

	clock.Advance(90 * time.Second)
	require.NoError(t, m.Apply(ev("end", domain.ControlSessionEnded)))
	before := m.Snapshot()

	clock.Advance(time.Hour)
	late := []domain.ControlEvent{
		ev("p", domain.ControlPause),
		ev("r", domain.ControlResume),
		{EventID: "rate", Kind: domain.ControlRateChanged, NewRate: dec("99")},
		{EventID: "mult", Kind: domain.ControlMultiplierChanged, NewMultiplier: dec("9")},
	}
	for _, e := range late {
		err := m.Apply(e)
		assert.True(t, errors.Is(err, domain.ErrStaleControlEvent), "event %s: %v", e.EventID, err)
	}

	after := m.Snapshot()
	assert.Equal(t, before.ElapsedSeconds, after.ElapsedSeconds)
	assert.Equal(t, int64(90), after.ElapsedSeconds)
	assert.True(t, before.RatePerMinute.Equal(after.RatePerMinute))
	assert.True(t, before.Multiplier.Equal(after.Multiplier))
	assert.True(t, after.Ended())

	assert.ErrorIs(t, m.Apply(ev("end2", domain.ControlSessionEnded)), domain.ErrDuplicateDropped)
}

func TestEventTimestampsAreClamped(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	m := newMachine(clock)
	clock.Advance(time.Minute)

	pause := ev("p", domain.ControlPause)
	pause.OccurredAt = start.Add(30 * time.Second)
	require.NoError(t, m.Apply(pause))

	// Resume stamped before the pause is clamped to the pause instant.
	resume := ev("r", domain.ControlResume)
	resume.OccurredAt = start.Add(10 * time.Second)
	require.NoError(t, m.Apply(resume))

	// A future timestamp is clamped to now.
	future := ev("p2", domain.ControlPause)
	future.OccurredAt = clock.Now().Add(time.Hour)
	require.NoError(t, m.Apply(future))

	assert.Equal(t, int64(60), m.Snapshot().ElapsedSeconds)
}

func TestReportedElapsedNeverShrinks(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	m := newMachine(clock)
	clock.Advance(30 * time.Minute)

	before := m.Snapshot()
	require.Equal(t, int64(1800), before.ElapsedSeconds)

	pause := ev("late", domain.ControlPause)
	pause.OccurredAt = start.Add(10 * time.Second)
	require.NoError(t, m.Apply(pause))

	after := m.Snapshot()
	assert.True(t, after.IsPaused())
	assert.GreaterOrEqual(t, after.Elapsed, before.Elapsed)
	assert.Equal(t, int64(1800), after.ElapsedSeconds)
}

func TestInvalidPayloadsAreRejected(t *testing.T) {
	m := newMachine(newFakeClock())

	err := m.Apply(domain.ControlEvent{EventID: "x", Kind: domain.ControlRateChanged})
	assert.ErrorIs(t, err, domain.ErrValidation)
	err = m.Apply(domain.ControlEvent{EventID: "y", Kind: domain.ControlMultiplierChanged, NewMultiplier: dec("0")})
	assert.ErrorIs(t, err, domain.ErrValidation)
	err = m.Apply(domain.ControlEvent{EventID: "z", Kind: domain.ControlRateChanged, NewRate: dec("-1")})
	assert.ErrorIs(t, err, domain.ErrValidation)
	err = m.Apply(domain.ControlEvent{EventID: "w", SessionID: "other", Kind: domain.ControlPause})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Rejected ids were not consumed.
	assert.False(t, m.Seen("x"))
}

func TestResetKeepsBillingState(t *testing.T) {
	clock := newFakeClock()
	m := newMachine(clock)
	clock.Advance(30 * time.Second)
	require.NoError(t, m.Apply(ev("p", domain.ControlPause)))

	m.Reset()
	assert.False(t, m.Seen("p"))
	assert.Equal(t, int64(30), m.Snapshot().ElapsedSeconds)
}
