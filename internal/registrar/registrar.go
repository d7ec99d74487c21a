// Package registrar reconciles the planned window set against the host's
// currently-registered set.
package registrar

import (
	"time"

	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/metrics"
	"github.com/mksalih/salahguard/internal/state"
)

// monitoredRetention bounds growth of the tracked-registration list.
const monitoredRetention = 24 * time.Hour

// Registrar diffs desired windows against the store-tracked registrations
// and registers/unregisters with the host's activity monitor. It keeps no
// in-memory state: everything an agent invocation needs later is
// recoverable from the window id plus the stored plan.
type Registrar struct {
	monitor         domain.ActivityMonitor
	store           domain.StateStore
	warnBeforeStart time.Duration
	warnBeforeEnd   time.Duration
	logger          *zap.Logger
}

// New creates a registrar over the given monitor and store.
func New(
	monitor domain.ActivityMonitor,
	store domain.StateStore,
	warnBeforeStart, warnBeforeEnd time.Duration,
	logger *zap.Logger,
) *Registrar {
	return &Registrar{
		monitor:         monitor,
		store:           store,
		warnBeforeStart: warnBeforeStart,
		warnBeforeEnd:   warnBeforeEnd,
		logger:          logger,
	}
}

// Reconcile brings host registrations in line with the desired windows.
// Every desired window is registered on every pass: registration is
// keyed by the deterministic window id and replaces any prior jobs, so a
// repeat is a no-op on the host side while a relaunched process, whose
// in-memory scheduler came up empty, gets its callbacks back. The
// tracked list only decides unregistrations. Registration rejections are
// not fatal: the needs-authorization flag is set for the main process to
// surface and the next re-plan retries.
func (r *Registrar) Reconcile(now time.Time, desired []domain.Window) error {
	tracked, err := state.LoadMonitored(r.store)
	if err != nil {
		return err
	}

	desiredByID := make(map[string]domain.Window, len(desired))
	for _, w := range desired {
		desiredByID[w.ID] = w
	}
	trackedIDs := make(map[string]bool, len(tracked))
	for _, entry := range tracked {
		trackedIDs[entry.WindowID] = true
	}

	// Drop stale registrations. A window the new plan no longer carries
	// may still be mid-window (the planner only emits future starts):
	// unregistering it would cancel its pending end callback and leave
	// restrictions applied past endTime, so in-progress windows stay
	// registered until they end.
	kept := make([]domain.MonitoredWindow, 0, len(desired)+len(tracked))
	for _, entry := range tracked {
		if _, wanted := desiredByID[entry.WindowID]; wanted {
			continue // re-registered below with a fresh timestamp
		}
		expired := now.Sub(entry.RegisteredAt) > monitoredRetention
		if !expired && r.inProgress(now, entry.WindowID) {
			kept = append(kept, entry)
			continue
		}
		if err := r.monitor.Unregister(entry.WindowID); err != nil {
			r.logger.Warn("failed to unregister window",
				zap.String("window_id", entry.WindowID),
				zap.Error(err))
		}
	}

	rejected := false
	for _, w := range desired {
		if err := r.monitor.Register(w, r.warnBeforeStart, r.warnBeforeEnd); err != nil {
			rejected = true
			r.logger.Warn("host rejected window registration",
				zap.String("window_id", w.ID),
				zap.Time("starts_at", w.StartsAt),
				zap.Error(err))
			continue
		}
		metrics.WindowsRegistered.Inc()
		kept = append(kept, domain.MonitoredWindow{WindowID: w.ID, RegisteredAt: now})
		if trackedIDs[w.ID] {
			r.logger.Debug("refreshed window registration",
				zap.String("window_id", w.ID))
		} else {
			r.logger.Info("registered window",
				zap.String("window_id", w.ID),
				zap.String("prayer", string(w.Prayer)),
				zap.Time("starts_at", w.StartsAt),
				zap.Duration("duration", w.Duration))
		}
	}

	if err := state.SaveMonitored(r.store, kept); err != nil {
		return err
	}
	return state.SetNeedsAuthorization(r.store, rejected)
}

// inProgress reports whether a tracked window has started but not yet
// ended, recovering the interval from the stored plan or, once the plan
// superseded it, from the id plus stored settings.
func (r *Registrar) inProgress(now time.Time, windowID string) bool {
	if w, err := state.PlannedWindow(r.store, windowID); err == nil && w != nil {
		return !now.Before(w.StartsAt) && now.Before(w.EndsAt())
	}

	_, startsAt, err := domain.ParseWindowID(windowID)
	if err != nil {
		return false
	}
	settings, err := state.LoadSettings(r.store)
	if err != nil {
		return false
	}
	return !now.Before(startsAt) && now.Before(startsAt.Add(settings.WindowDuration))
}
