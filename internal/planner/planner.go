// Package planner turns future prayer occurrences into a bounded,
// ordered set of restriction windows.
package planner

import (
	"sort"
	"time"

	"github.com/mksalih/salahguard/internal/domain"
)

const (
	// DefaultCeiling mirrors the host's system-wide registration limit.
	DefaultCeiling = 20

	// DefaultGuardEpsilon keeps the planner from registering a window
	// about to start; the host might fire the callback before
	// registration settles.
	DefaultGuardEpsilon = 30 * time.Second
)

// Planner maps occurrences plus user settings to windows. Pure
// computation over already-validated inputs; nothing here can fail.
type Planner struct {
	Ceiling      int
	GuardEpsilon time.Duration
}

// New returns a planner with the default ceiling and guard epsilon.
func New() *Planner {
	return &Planner{
		Ceiling:      DefaultCeiling,
		GuardEpsilon: DefaultGuardEpsilon,
	}
}

// Plan filters occurrences to enabled prayers strictly in the future,
// maps them to windows, sorts ascending by start time and truncates to
// the ceiling. Nearest-future windows win; farther ones are dropped and
// backfilled by the next re-plan as slots free up. Identical inputs with
// no elapsed time produce identical window ids.
func (p *Planner) Plan(now time.Time, occurrences []domain.Occurrence, settings domain.Settings) []domain.Window {
	cutoff := now.Add(p.GuardEpsilon)

	windows := make([]domain.Window, 0, len(occurrences))
	for _, occ := range occurrences {
		if !occ.Prayer.Valid() {
			continue
		}
		if !settings.IsEnabled(occ.Prayer) {
			continue
		}
		if !occ.At.After(cutoff) {
			continue
		}
		windows = append(windows, domain.Window{
			ID:       domain.WindowID(occ.Prayer, occ.At),
			Prayer:   occ.Prayer,
			StartsAt: occ.At,
			Duration: settings.WindowDuration,
		})
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].StartsAt.Before(windows[j].StartsAt)
	})

	if len(windows) > p.Ceiling {
		windows = windows[:p.Ceiling]
	}
	return windows
}
