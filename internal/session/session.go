// Package session derives the blocking read-model the UI consumes.
//
// The two processes cannot share an in-memory object graph, so the
// session is a pure function of stored facts and wall-clock time,
// recomputed on every observation (timer tick or store-change signal)
// rather than tracked as an incremental event log.
package session

import (
	"time"

	"github.com/mksalih/salahguard/internal/agent"
	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/state"
)

// Facts is the store snapshot a derivation runs over. Every read is a
// possibly-stale, non-transactional snapshot; that is fine because the
// derivation is repeated on the next observation.
type Facts struct {
	Plan                 []domain.Window
	Latest               *domain.EnforcementRecord
	Mode                 domain.Mode
	AwaitingConfirmation bool
	UnlockUsed           bool
	UnlockAfterFraction  float64
}

// Snapshot reads the facts the derivation needs from the store.
func Snapshot(s domain.StateStore) (Facts, error) {
	var facts Facts

	plan, err := state.LoadPlan(s)
	if err != nil {
		return facts, err
	}
	latest, err := state.LatestRecord(s)
	if err != nil {
		return facts, err
	}
	mode, err := state.GetMode(s)
	if err != nil {
		return facts, err
	}
	awaiting, err := state.AwaitingConfirmation(s)
	if err != nil {
		return facts, err
	}
	settings, err := state.LoadSettings(s)
	if err != nil {
		return facts, err
	}

	unlockUsed := false
	if latest != nil {
		unlockUsed, err = state.EarlyUnlockUsed(s, latest.WindowID)
		if err != nil {
			return facts, err
		}
	}

	return Facts{
		Plan:                 plan,
		Latest:               latest,
		Mode:                 mode,
		AwaitingConfirmation: awaiting,
		UnlockUsed:           unlockUsed,
		UnlockAfterFraction:  settings.UnlockAfterFraction,
	}, nil
}

// Derive computes the blocking session for an instant. Pure.
func Derive(now time.Time, facts Facts) domain.BlockingSession {
	rec := facts.Latest

	// No enforcement fact yet: idle, or scheduled if a window is pending.
	if rec == nil || rec.Skipped || rec.AppliedAt == nil {
		return scheduledOrIdle(now, facts.Plan)
	}

	if rec.ClearedAt != nil {
		// Occurrence finished (window end, confirmation or early unlock).
		s := scheduledOrIdle(now, facts.Plan)
		if s.Phase == domain.PhaseIdle {
			s.Phase = domain.PhaseCleared
			s.WindowID = rec.WindowID
			s.Prayer = rec.Prayer
		}
		return s
	}

	if now.Before(rec.EndsAt) {
		// Active window.
		return domain.BlockingSession{
			Phase:         domain.PhaseActive,
			WindowID:      rec.WindowID,
			Prayer:        rec.Prayer,
			IsBlocking:    true,
			TimeRemaining: rec.EndsAt.Sub(now),
			EarlyUnlockAvailable: facts.Mode == domain.ModeNormal &&
				!facts.UnlockUsed &&
				agent.UnlockAvailable(now, *rec, facts.UnlockAfterFraction),
		}
	}

	// Past the end with no clearedAt: either the agent hasn't run the end
	// callback yet, or Strict mode is holding for confirmation.
	if facts.Mode == domain.ModeStrict || facts.AwaitingConfirmation {
		return domain.BlockingSession{
			Phase:                 domain.PhaseAwaitingConfirmation,
			WindowID:              rec.WindowID,
			Prayer:                rec.Prayer,
			IsBlocking:            true,
			IsWaitingConfirmation: true,
		}
	}

	// Normal mode: treat as cleared; the end callback will catch up.
	s := scheduledOrIdle(now, facts.Plan)
	if s.Phase == domain.PhaseIdle {
		s.Phase = domain.PhaseCleared
		s.WindowID = rec.WindowID
		s.Prayer = rec.Prayer
	}
	return s
}

// scheduledOrIdle reports the next pending window, if any.
func scheduledOrIdle(now time.Time, plan []domain.Window) domain.BlockingSession {
	for _, w := range plan {
		if w.StartsAt.After(now) {
			return domain.BlockingSession{
				Phase:         domain.PhaseScheduled,
				WindowID:      w.ID,
				Prayer:        w.Prayer,
				TimeRemaining: w.StartsAt.Sub(now),
			}
		}
	}
	return domain.BlockingSession{Phase: domain.PhaseIdle}
}

// Service recomputes the session from the live store.
type Service struct {
	store domain.StateStore
	now   func() time.Time
}

// NewService creates a session service over the store.
func NewService(store domain.StateStore) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the service clock (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Current snapshots the store and derives the session.
func (s *Service) Current() (domain.BlockingSession, error) {
	facts, err := Snapshot(s.store)
	if err != nil {
		return domain.BlockingSession{}, err
	}
	return Derive(s.now(), facts), nil
}
