package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/state"
	"github.com/mksalih/salahguard/internal/store"
)

// mockEnforcer implements domain.RestrictionEnforcer for testing
type mockEnforcer struct {
	applied  [][]string
	cleared  int
	applyErr error
}

func (m *mockEnforcer) Apply(tokens []string) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, tokens)
	return nil
}

func (m *mockEnforcer) Clear() error {
	m.cleared++
	return nil
}

// mockSelection implements domain.SelectionProvider for testing
type mockSelection struct {
	tokens []string
	err    error
}

func (m *mockSelection) CurrentSelection() ([]string, error) {
	return m.tokens, m.err
}

// mockNotifier implements domain.Notifier for testing
type mockNotifier struct {
	notifications []string
}

func (m *mockNotifier) Notify(title, body string) error {
	m.notifications = append(m.notifications, title)
	return nil
}

type fixture struct {
	store    *store.Memory
	enforcer *mockEnforcer
	sel      *mockSelection
	notifier *mockNotifier
	agent    *Agent
	now      time.Time
}

func newFixture(t *testing.T, tokens []string) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		enforcer: &mockEnforcer{},
		sel:      &mockSelection{tokens: tokens},
		notifier: &mockNotifier{},
		now:      time.Date(2026, 8, 31, 5, 0, 0, 0, time.UTC),
	}
	f.agent = New(f.store, f.enforcer, f.sel, f.notifier, zap.NewNop()).
		WithClock(func() time.Time { return f.now })

	settings := domain.Settings{
		Enabled: map[domain.PrayerName]bool{
			domain.PrayerFajr: true, domain.PrayerDhuhr: true,
			domain.PrayerAsr: true, domain.PrayerMaghrib: true, domain.PrayerIsha: true,
		},
		WindowDuration:      15 * time.Minute,
		Mode:                domain.ModeNormal,
		UnlockAfterFraction: 0.5,
	}
	require.NoError(t, state.SaveSettings(f.store, settings))
	require.NoError(t, state.SetMode(f.store, domain.ModeNormal))
	return f
}

// planWindow stores a plan containing one window starting at f.now.
func (f *fixture) planWindow(t *testing.T, prayer domain.PrayerName) domain.Window {
	t.Helper()
	w := domain.Window{
		ID:       domain.WindowID(prayer, f.now),
		Prayer:   prayer,
		StartsAt: f.now,
		Duration: 15 * time.Minute,
	}
	require.NoError(t, state.SavePlan(f.store, []domain.Window{w}))
	return w
}

// TestHandleStart_AppliesRestrictions covers the happy path at window start.
func TestHandleStart_AppliesRestrictions(t *testing.T) {
	f := newFixture(t, []string{"Steam", "discord"})
	w := f.planWindow(t, domain.PrayerFajr)

	f.agent.Handle(EventStart, w.ID)

	require.Len(t, f.enforcer.applied, 1)
	assert.Equal(t, []string{"Steam", "discord"}, f.enforcer.applied[0])

	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.True(t, enforced)

	rec, err := state.LoadRecord(f.store, w.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.AppliedAt)
	assert.True(t, rec.AppliedAt.Equal(f.now))
	assert.Equal(t, domain.ModeNormal, rec.Mode)
	assert.False(t, rec.Skipped)

	startedAt, err := state.EnforcementStart(f.store)
	require.NoError(t, err)
	assert.True(t, startedAt.Equal(f.now))
}

// TestHandleStart_PrayerDisabledSincePlanning verifies the re-check at
// enforcement time, not plan time.
func TestHandleStart_PrayerDisabledSincePlanning(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)

	// Disable fajr after planning.
	settings, err := state.LoadSettings(f.store)
	require.NoError(t, err)
	settings.Enabled[domain.PrayerFajr] = false
	require.NoError(t, state.SaveSettings(f.store, settings))

	f.agent.Handle(EventStart, w.ID)

	assert.Empty(t, f.enforcer.applied)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)

	rec, err := state.LoadRecord(f.store, w.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Skipped)
	assert.Nil(t, rec.AppliedAt)
}

// TestHandleStart_EmptySelection verifies scenario C: no tokens applied,
// warning set with the window-start timestamp, enforcement stays off.
func TestHandleStart_EmptySelection(t *testing.T) {
	f := newFixture(t, nil)
	w := f.planWindow(t, domain.PrayerFajr)

	f.agent.Handle(EventStart, w.ID)

	assert.Empty(t, f.enforcer.applied)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)

	warning, err := state.GetNoSelectionWarning(f.store)
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Equal(t, w.ID, warning.WindowID)
	assert.True(t, warning.At.Equal(f.now))
	assert.Len(t, f.notifier.notifications, 1)

	// A replayed start callback does not notify a second time.
	f.agent.Handle(EventStart, w.ID)
	assert.Len(t, f.notifier.notifications, 1)
}

// TestHandleStart_ApplyFailureDegradesToNoop verifies the no-change policy.
func TestHandleStart_ApplyFailureDegradesToNoop(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.enforcer.applyErr = errors.New("enforcement capability unavailable")

	f.agent.Handle(EventStart, w.ID)

	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)
	rec, err := state.LoadRecord(f.store, w.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// TestHandleStart_RecoversWindowFromID verifies the agent needs no
// in-memory context: a superseded plan still resolves via the id.
func TestHandleStart_RecoversWindowFromID(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	id := domain.WindowID(domain.PrayerFajr, f.now)
	// No plan stored at all.

	f.agent.Handle(EventStart, id)

	require.Len(t, f.enforcer.applied, 1)
	rec, err := state.LoadRecord(f.store, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PrayerFajr, rec.Prayer)
	assert.True(t, rec.EndsAt.Equal(f.now.Add(15*time.Minute)))
}

// TestHandleEnd_NormalMode verifies scenario A's clear at window end.
func TestHandleEnd_NormalMode(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	f.now = f.now.Add(15 * time.Minute)
	f.agent.Handle(EventEnd, w.ID)

	assert.Equal(t, 1, f.enforcer.cleared)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)

	rec, err := state.LoadRecord(f.store, w.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.ClearedAt)
	assert.True(t, rec.ClearedAt.Equal(f.now))

	tokens, err := state.AppliedTokens(f.store)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

// TestHandleEnd_StrictMode verifies scenario B: restrictions persist past
// the end until an external confirmation event.
func TestHandleEnd_StrictMode(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	require.NoError(t, state.SetMode(f.store, domain.ModeStrict))
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	f.now = f.now.Add(15 * time.Minute)
	f.agent.Handle(EventEnd, w.ID)

	assert.Zero(t, f.enforcer.cleared)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.True(t, enforced)
	awaiting, err := state.AwaitingConfirmation(f.store)
	require.NoError(t, err)
	assert.True(t, awaiting)

	// Confirmation at 06:00.
	f.now = f.now.Add(45 * time.Minute)
	done, err := f.agent.Confirm()
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, 1, f.enforcer.cleared)
	enforced, err = state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)
	awaiting, err = state.AwaitingConfirmation(f.store)
	require.NoError(t, err)
	assert.False(t, awaiting)
}

// TestHandleEnd_ModeReadAtEndTime verifies the end decision uses the mode
// current at end time, not the mode captured at apply time.
func TestHandleEnd_ModeReadAtEndTime(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	// User switches to strict mid-window.
	require.NoError(t, state.SetMode(f.store, domain.ModeStrict))

	f.now = f.now.Add(15 * time.Minute)
	f.agent.Handle(EventEnd, w.ID)

	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.True(t, enforced)
}

// TestHandleEnd_ReplaySafe verifies duplicate/out-of-order callbacks.
func TestHandleEnd_ReplaySafe(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)

	// End before start: never applied, nothing to clear.
	f.agent.Handle(EventEnd, w.ID)
	assert.Zero(t, f.enforcer.cleared)

	f.agent.Handle(EventStart, w.ID)
	f.now = f.now.Add(15 * time.Minute)
	f.agent.Handle(EventEnd, w.ID)
	f.agent.Handle(EventEnd, w.ID)

	assert.Equal(t, 1, f.enforcer.cleared)
}

// TestHandleStart_ReplayAfterEarlyUnlock verifies a late or duplicate
// start callback cannot re-block an occurrence the user already unlocked;
// the one-shot token is spent and must not be needed twice.
func TestHandleStart_ReplayAfterEarlyUnlock(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	f.now = f.now.Add(10 * time.Minute)
	done, err := f.agent.EarlyUnlock()
	require.NoError(t, err)
	require.True(t, done)

	f.agent.Handle(EventStart, w.ID)

	assert.Len(t, f.enforcer.applied, 1)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)

	rec, err := state.LoadRecord(f.store, w.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.ClearedAt)
}

// TestHandleStart_ReplayAfterEnd verifies a replayed start callback after
// the normal-mode clear stays a no-op.
func TestHandleStart_ReplayAfterEnd(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	f.now = f.now.Add(15 * time.Minute)
	f.agent.Handle(EventEnd, w.ID)
	f.agent.Handle(EventStart, w.ID)

	assert.Len(t, f.enforcer.applied, 1)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)
}

// TestNextWindowOverridesStrictHold verifies the second way out of the
// awaiting-confirmation state: the next occurrence takes over.
func TestNextWindowOverridesStrictHold(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	require.NoError(t, state.SetMode(f.store, domain.ModeStrict))
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)
	f.now = f.now.Add(15 * time.Minute)
	f.agent.Handle(EventEnd, w.ID)

	awaiting, err := state.AwaitingConfirmation(f.store)
	require.NoError(t, err)
	require.True(t, awaiting)

	// Next occurrence starts hours later and overwrites the held set.
	f.now = f.now.Add(7 * time.Hour)
	next := f.planWindow(t, domain.PrayerDhuhr)
	f.agent.Handle(EventStart, next.ID)

	awaiting, err = state.AwaitingConfirmation(f.store)
	require.NoError(t, err)
	assert.False(t, awaiting)
	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.True(t, enforced)
	assert.Len(t, f.enforcer.applied, 2)
}

// TestConfirm_NoopWhenNothingAwaiting verifies confirm outside strict holds.
func TestConfirm_NoopWhenNothingAwaiting(t *testing.T) {
	f := newFixture(t, []string{"Steam"})

	done, err := f.agent.Confirm()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Zero(t, f.enforcer.cleared)
}

// TestEarlyUnlock_BeforeThresholdIsNoop verifies the availability gate.
func TestEarlyUnlock_BeforeThresholdIsNoop(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	// 5m into a 15m window; the threshold is 50%.
	f.now = f.now.Add(5 * time.Minute)
	done, err := f.agent.EarlyUnlock()
	require.NoError(t, err)
	assert.False(t, done)

	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.True(t, enforced)
}

// TestEarlyUnlock_OncePerOccurrence verifies the one-shot token.
func TestEarlyUnlock_OncePerOccurrence(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	f.now = f.now.Add(10 * time.Minute)
	done, err := f.agent.EarlyUnlock()
	require.NoError(t, err)
	assert.True(t, done)

	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.False(t, enforced)

	used, err := state.EarlyUnlockUsed(f.store, w.ID)
	require.NoError(t, err)
	assert.True(t, used)

	// A second request for the same occurrence is a no-op.
	done, err = f.agent.EarlyUnlock()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, f.enforcer.cleared)
}

// TestEarlyUnlock_RearmsForNextOccurrence verifies per-occurrence scoping.
func TestEarlyUnlock_RearmsForNextOccurrence(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)
	f.now = f.now.Add(10 * time.Minute)
	done, err := f.agent.EarlyUnlock()
	require.NoError(t, err)
	require.True(t, done)

	// Next occurrence: the token re-arms automatically.
	f.now = f.now.Add(8 * time.Hour)
	next := f.planWindow(t, domain.PrayerDhuhr)
	f.agent.Handle(EventStart, next.ID)
	f.now = f.now.Add(10 * time.Minute)

	done, err = f.agent.EarlyUnlock()
	require.NoError(t, err)
	assert.True(t, done)
}

// TestEarlyUnlock_StrictModeUnavailable verifies unlock never touches the
// strict flow.
func TestEarlyUnlock_StrictModeUnavailable(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	require.NoError(t, state.SetMode(f.store, domain.ModeStrict))
	w := f.planWindow(t, domain.PrayerFajr)
	f.agent.Handle(EventStart, w.ID)

	f.now = f.now.Add(14 * time.Minute)
	done, err := f.agent.EarlyUnlock()
	require.NoError(t, err)
	assert.False(t, done)

	enforced, err := state.CurrentlyEnforced(f.store)
	require.NoError(t, err)
	assert.True(t, enforced)
}

// TestHandleWarning_IsReadOnly verifies warnings never mutate state.
func TestHandleWarning_IsReadOnly(t *testing.T) {
	f := newFixture(t, []string{"Steam"})
	w := f.planWindow(t, domain.PrayerFajr)

	f.agent.Handle(EventWarnStart, w.ID)
	f.agent.Handle(EventWarnEnd, w.ID)

	assert.Empty(t, f.enforcer.applied)
	keys, err := f.store.Keys("")
	require.NoError(t, err)
	// Only the fixture's settings, mode and plan are present.
	assert.Len(t, keys, 3)
}

// TestParseEvent validates host-supplied event names.
func TestParseEvent(t *testing.T) {
	for _, valid := range []string{"start", "end", "warn-start", "warn-end"} {
		_, err := ParseEvent(valid)
		assert.NoError(t, err)
	}
	_, err := ParseEvent("reboot")
	assert.Error(t, err)
}

// TestUnlockAvailable covers the threshold arithmetic.
func TestUnlockAvailable(t *testing.T) {
	start := time.Date(2026, 8, 31, 5, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)
	appliedAt := start
	rec := domain.EnforcementRecord{
		StartsAt:  start,
		EndsAt:    end,
		AppliedAt: &appliedAt,
	}

	assert.False(t, UnlockAvailable(start.Add(7*time.Minute), rec, 0.5))
	assert.True(t, UnlockAvailable(start.Add(8*time.Minute), rec, 0.5))
	// At or past the end it is the end callback's business, not unlock's.
	assert.False(t, UnlockAvailable(end, rec, 0.5))

	cleared := start.Add(10 * time.Minute)
	rec.ClearedAt = &cleared
	assert.False(t, UnlockAvailable(start.Add(12*time.Minute), rec, 0.5))
}
