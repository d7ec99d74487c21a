// Package agent implements the host-invoked enforcement callbacks.
//
// The agent runs in a short-lived process with no shared memory with the
// main application: every invocation reconstructs its context from the
// window id and the shared store, mutates the store synchronously, and
// exits. A failure here forfeits the occurrence with no retry until the
// next scheduled one, so every handler degrades to "no change this
// invocation" instead of letting an error escape the callback boundary.
package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/metrics"
	"github.com/mksalih/salahguard/internal/state"
)

// Event identifies which window boundary the host is invoking us for.
type Event string

const (
	EventStart     Event = "start"
	EventEnd       Event = "end"
	EventWarnStart Event = "warn-start"
	EventWarnEnd   Event = "warn-end"
)

// ParseEvent validates a host-supplied event name.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventStart, EventEnd, EventWarnStart, EventWarnEnd:
		return Event(s), nil
	}
	return "", fmt.Errorf("unknown agent event %q", s)
}

// Agent applies and clears restrictions at window boundaries and writes
// the ground-truth facts to the shared store.
type Agent struct {
	store     domain.StateStore
	enforcer  domain.RestrictionEnforcer
	selection domain.SelectionProvider
	notifier  domain.Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an enforcement agent.
func New(
	store domain.StateStore,
	enforcer domain.RestrictionEnforcer,
	selection domain.SelectionProvider,
	notifier domain.Notifier,
	logger *zap.Logger,
) *Agent {
	return &Agent{
		store:     store,
		enforcer:  enforcer,
		selection: selection,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the agent's clock (tests).
func (a *Agent) WithClock(now func() time.Time) *Agent {
	a.now = now
	return a
}

// Handle dispatches one host callback. It never returns an error: the
// host gives us one bounded invocation and nothing useful can be done
// with a failure besides logging it.
func (a *Agent) Handle(event Event, windowID string) {
	logger := a.logger.With(
		zap.String("invocation", uuid.NewString()),
		zap.String("event", string(event)),
		zap.String("window_id", windowID))

	var err error
	switch event {
	case EventStart:
		err = a.handleStart(windowID, logger)
	case EventEnd:
		err = a.handleEnd(windowID, logger)
	case EventWarnStart, EventWarnEnd:
		err = a.handleWarning(windowID, logger)
	default:
		err = fmt.Errorf("unknown event %q", event)
	}

	if err != nil {
		metrics.AgentFailures.WithLabelValues(string(event)).Inc()
		logger.Warn("agent invocation made no change", zap.Error(err))
	}
}

// handleStart applies the restriction set at window start.
func (a *Agent) handleStart(windowID string, logger *zap.Logger) error {
	// Replay guard: a duplicate or late start callback after the window
	// was already cleared (window end or early unlock) must not re-block.
	existing, err := state.LoadRecord(a.store, windowID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ClearedAt != nil {
		logger.Debug("window already cleared, ignoring replayed start")
		return nil
	}
	// The unlock marker outlives the record, so check it separately.
	unlocked, err := state.EarlyUnlockUsed(a.store, windowID)
	if err != nil {
		return err
	}
	if unlocked {
		logger.Debug("early unlock already consumed, ignoring replayed start")
		return nil
	}

	w, err := a.resolveWindow(windowID)
	if err != nil {
		return err
	}
	now := a.now()

	// Settings may have changed since planning; re-check now, not plan time.
	settings, err := state.LoadSettings(a.store)
	if err != nil {
		return err
	}
	if !settings.IsEnabled(w.Prayer) {
		logger.Info("prayer disabled since planning, skipping window")
		metrics.EnforcementsSkipped.WithLabelValues("disabled").Inc()
		return state.SaveRecord(a.store, domain.EnforcementRecord{
			WindowID: w.ID,
			Prayer:   w.Prayer,
			StartsAt: w.StartsAt,
			EndsAt:   w.EndsAt(),
			Mode:     settings.Mode,
			Skipped:  true,
		})
	}

	tokens, err := a.selection.CurrentSelection()
	if err != nil {
		return fmt.Errorf("failed to snapshot selection: %w", err)
	}
	if len(tokens) == 0 {
		// Blocking nothing is a reportable condition, not success.
		logger.Warn("window started with empty selection, applying nothing")
		metrics.EnforcementsSkipped.WithLabelValues("no_selection").Inc()
		a.warnNoSelection(w.ID, now, logger)
		return state.SaveRecord(a.store, domain.EnforcementRecord{
			WindowID: w.ID,
			Prayer:   w.Prayer,
			StartsAt: w.StartsAt,
			EndsAt:   w.EndsAt(),
			Mode:     settings.Mode,
			Skipped:  true,
		})
	}

	mode, err := state.GetMode(a.store)
	if err != nil {
		return err
	}

	// Idempotent on the host side: re-applying an applied set is a no-op.
	if err := a.enforcer.Apply(tokens); err != nil {
		return fmt.Errorf("failed to apply restrictions: %w", err)
	}

	appliedAt := now
	rec := domain.EnforcementRecord{
		WindowID:  w.ID,
		Prayer:    w.Prayer,
		StartsAt:  w.StartsAt,
		EndsAt:    w.EndsAt(),
		Mode:      mode,
		AppliedAt: &appliedAt,
		Tokens:    tokens,
	}
	if err := state.SaveRecord(a.store, rec); err != nil {
		return err
	}
	if err := state.SetAppliedTokens(a.store, tokens); err != nil {
		return err
	}
	if err := state.SetEnforcementStart(a.store, now); err != nil {
		return err
	}
	// A new occurrence overwrites any Strict hold left by the previous one.
	if err := state.SetAwaitingConfirmation(a.store, false); err != nil {
		return err
	}
	if err := state.SetCurrentlyEnforced(a.store, true); err != nil {
		return err
	}

	metrics.EnforcementsApplied.Inc()
	logger.Info("restrictions applied",
		zap.String("prayer", string(w.Prayer)),
		zap.Int("tokens", len(tokens)),
		zap.String("mode", string(mode)))
	return nil
}

// handleEnd clears or holds the restriction set at window end, depending
// on the Mode read now, not at apply time.
func (a *Agent) handleEnd(windowID string, logger *zap.Logger) error {
	rec, err := state.LoadRecord(a.store, windowID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Skipped || rec.AppliedAt == nil {
		logger.Debug("window was never applied, nothing to clear")
		return nil
	}
	if rec.ClearedAt != nil {
		// Already cleared (early unlock or replayed callback).
		logger.Debug("window already cleared")
		return nil
	}

	mode, err := state.GetMode(a.store)
	if err != nil {
		return err
	}

	if mode == domain.ModeStrict {
		// Hold restrictions until an external confirmation event or the
		// next window occurrence.
		if err := state.SetAwaitingConfirmation(a.store, true); err != nil {
			return err
		}
		logger.Info("strict mode: holding restrictions until confirmation")
		return nil
	}

	if err := a.clearEnforcement(rec, "window_end"); err != nil {
		return err
	}
	logger.Info("restrictions cleared at window end")
	return nil
}

// handleWarning logs planned vs actually-applied restriction sets for
// operability. Read-only: warnings never mutate state.
func (a *Agent) handleWarning(windowID string, logger *zap.Logger) error {
	planned, err := a.selection.CurrentSelection()
	if err != nil {
		return err
	}
	applied, err := state.AppliedTokens(a.store)
	if err != nil {
		return err
	}
	enforced, err := state.CurrentlyEnforced(a.store)
	if err != nil {
		return err
	}
	logger.Info("window boundary approaching",
		zap.Strings("planned_tokens", planned),
		zap.Strings("applied_tokens", applied),
		zap.Bool("currently_enforced", enforced))
	return nil
}

// Confirm is the external confirmation event that releases a Strict-mode
// hold. It runs agent logic in the main process (the direct
// immediate-apply path); the store facts it writes stay agent-owned.
// Returns false if nothing was awaiting confirmation.
func (a *Agent) Confirm() (bool, error) {
	awaiting, err := state.AwaitingConfirmation(a.store)
	if err != nil {
		return false, err
	}
	if !awaiting {
		return false, nil
	}

	rec, err := state.LatestRecord(a.store)
	if err != nil {
		return false, err
	}
	if err := state.SetAwaitingConfirmation(a.store, false); err != nil {
		return false, err
	}
	if rec != nil && rec.AppliedAt != nil && rec.ClearedAt == nil {
		if err := a.clearEnforcement(rec, "confirmation"); err != nil {
			return false, err
		}
	} else {
		// Facts drifted (e.g. records pruned); still release the hold.
		if err := a.enforcer.Clear(); err != nil {
			return false, err
		}
		if err := state.SetCurrentlyEnforced(a.store, false); err != nil {
			return false, err
		}
	}

	a.logger.Info("confirmation received, restrictions cleared")
	return true, nil
}

// EarlyUnlock consumes the one-shot per-occurrence unlock token. Normal
// mode only, only after the configured elapsed fraction of the window,
// once per occurrence. A request while unavailable is a no-op.
func (a *Agent) EarlyUnlock() (bool, error) {
	rec, err := state.LatestRecord(a.store)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.AppliedAt == nil || rec.ClearedAt != nil {
		return false, nil
	}

	mode, err := state.GetMode(a.store)
	if err != nil {
		return false, err
	}
	if mode != domain.ModeNormal {
		return false, nil
	}

	settings, err := state.LoadSettings(a.store)
	if err != nil {
		return false, err
	}
	now := a.now()
	if !UnlockAvailable(now, *rec, settings.UnlockAfterFraction) {
		return false, nil
	}

	used, err := state.EarlyUnlockUsed(a.store, rec.WindowID)
	if err != nil {
		return false, err
	}
	if used {
		return false, nil
	}

	if err := state.MarkEarlyUnlockUsed(a.store, rec.WindowID, now); err != nil {
		return false, err
	}
	if err := a.clearEnforcement(rec, "early_unlock"); err != nil {
		return false, err
	}

	metrics.EarlyUnlocks.Inc()
	a.logger.Info("early unlock granted", zap.String("window_id", rec.WindowID))
	return true, nil
}

// UnlockAvailable reports whether early unlock is available for an active
// occurrence at the given instant.
func UnlockAvailable(now time.Time, rec domain.EnforcementRecord, fraction float64) bool {
	if rec.AppliedAt == nil || rec.ClearedAt != nil {
		return false
	}
	window := rec.EndsAt.Sub(rec.StartsAt)
	if window <= 0 {
		return false
	}
	threshold := rec.StartsAt.Add(time.Duration(float64(window) * fraction))
	return !now.Before(threshold) && now.Before(rec.EndsAt)
}

// clearEnforcement reverts restrictions and stamps the record.
func (a *Agent) clearEnforcement(rec *domain.EnforcementRecord, cause string) error {
	if err := a.enforcer.Clear(); err != nil {
		return fmt.Errorf("failed to clear restrictions: %w", err)
	}

	clearedAt := a.now()
	rec.ClearedAt = &clearedAt
	if err := state.SaveRecord(a.store, *rec); err != nil {
		return err
	}
	if err := state.SetAppliedTokens(a.store, nil); err != nil {
		return err
	}
	if err := state.SetCurrentlyEnforced(a.store, false); err != nil {
		return err
	}

	metrics.EnforcementsCleared.WithLabelValues(cause).Inc()
	return nil
}

// warnNoSelection sets the warning fact and notifies once per occurrence.
func (a *Agent) warnNoSelection(windowID string, now time.Time, logger *zap.Logger) {
	existing, err := state.GetNoSelectionWarning(a.store)
	if err != nil {
		logger.Warn("failed to read no-selection warning", zap.Error(err))
		return
	}
	if existing != nil && existing.WindowID == windowID {
		return
	}

	if err := state.SetNoSelectionWarning(a.store, domain.NoSelectionWarning{
		WindowID: windowID,
		At:       now,
	}); err != nil {
		logger.Warn("failed to set no-selection warning", zap.Error(err))
		return
	}
	if err := a.notifier.Notify("No apps selected",
		"A blocking window started but no apps are selected. Nothing was blocked."); err != nil {
		logger.Warn("failed to deliver no-selection notification", zap.Error(err))
	}
}

// resolveWindow recovers a window from the stored plan, falling back to
// the deterministic id plus stored settings when the plan was superseded
// between registration and invocation.
func (a *Agent) resolveWindow(windowID string) (domain.Window, error) {
	if w, err := state.PlannedWindow(a.store, windowID); err != nil {
		return domain.Window{}, err
	} else if w != nil {
		return *w, nil
	}

	prayer, startsAt, err := domain.ParseWindowID(windowID)
	if err != nil {
		return domain.Window{}, err
	}
	settings, err := state.LoadSettings(a.store)
	if err != nil {
		return domain.Window{}, err
	}
	return domain.Window{
		ID:       windowID,
		Prayer:   prayer,
		StartsAt: startsAt,
		Duration: settings.WindowDuration,
	}, nil
}
