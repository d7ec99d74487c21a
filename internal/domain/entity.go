// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PrayerName identifies one of the five canonical daily prayers.
type PrayerName string

const (
	PrayerFajr    PrayerName = "fajr"
	PrayerDhuhr   PrayerName = "dhuhr"
	PrayerAsr     PrayerName = "asr"
	PrayerMaghrib PrayerName = "maghrib"
	PrayerIsha    PrayerName = "isha"
)

// AllPrayers lists the canonical prayers in daily order.
var AllPrayers = []PrayerName{PrayerFajr, PrayerDhuhr, PrayerAsr, PrayerMaghrib, PrayerIsha}

// Valid reports whether the name is one of the five canonical prayers.
func (p PrayerName) Valid() bool {
	switch p {
	case PrayerFajr, PrayerDhuhr, PrayerAsr, PrayerMaghrib, PrayerIsha:
		return true
	}
	return false
}

// Occurrence is one future prayer time produced by the prayer-time source.
type Occurrence struct {
	Prayer PrayerName
	At     time.Time
}

// Window is a single scheduled, prayer-aligned restriction interval.
// Windows are immutable; a re-plan supersedes the whole set.
type Window struct {
	ID       string        `json:"id"`
	Prayer   PrayerName    `json:"prayer"`
	StartsAt time.Time     `json:"starts_at"`
	Duration time.Duration `json:"duration"`
}

// EndsAt returns the window's end instant.
func (w Window) EndsAt() time.Time {
	return w.StartsAt.Add(w.Duration)
}

// WindowID builds the deterministic id for a prayer occurrence.
// The id alone recovers prayer name and start time, so the agent can
// reconstruct context after a process relaunch.
func WindowID(prayer PrayerName, startsAt time.Time) string {
	return fmt.Sprintf("%s-%d", prayer, startsAt.Unix())
}

// ParseWindowID recovers the prayer name and start time from a window id.
func ParseWindowID(id string) (PrayerName, time.Time, error) {
	idx := strings.LastIndexByte(id, '-')
	if idx <= 0 || idx == len(id)-1 {
		return "", time.Time{}, fmt.Errorf("malformed window id %q", id)
	}
	prayer := PrayerName(id[:idx])
	if !prayer.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown prayer in window id %q", id)
	}
	unix, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed window id %q: %w", id, err)
	}
	return prayer, time.Unix(unix, 0).UTC(), nil
}

// Mode is the global Normal/Strict enforcement policy.
// It only matters at window-end decision time.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeStrict Mode = "strict"
)

// Settings is the user configuration the planner and agent act on.
// The main process mirrors it into the shared store so the agent can
// re-check enabled flags at enforcement time, not plan time.
type Settings struct {
	Enabled        map[PrayerName]bool `json:"enabled"`
	WindowDuration time.Duration       `json:"window_duration"`
	Mode           Mode                `json:"mode"`
	// UnlockAfterFraction is the elapsed fraction of a window after which
	// early unlock becomes available (Normal mode only).
	UnlockAfterFraction float64 `json:"unlock_after_fraction"`
}

// IsEnabled reports whether a prayer participates in blocking.
func (s Settings) IsEnabled(p PrayerName) bool {
	return s.Enabled[p]
}

// EnforcementRecord is the ground truth of what was actually done for one
// window occurrence. It may diverge from the planned window (for example
// the prayer was deselected after planning, or the selection was empty).
type EnforcementRecord struct {
	WindowID  string     `json:"window_id"`
	Prayer    PrayerName `json:"prayer"`
	StartsAt  time.Time  `json:"starts_at"`
	EndsAt    time.Time  `json:"ends_at"`
	Mode      Mode       `json:"mode"`
	Skipped   bool       `json:"skipped,omitempty"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
	Tokens    []string   `json:"tokens,omitempty"`
}

// MonitoredWindow is one entry in the bounded list of host-registered
// window ids tracked in the store. Entries older than 24h are pruned.
type MonitoredWindow struct {
	WindowID     string    `json:"window_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// WindowPhase is the conceptual per-occurrence state, derived from stored
// facts and wall-clock time rather than tracked incrementally.
type WindowPhase string

const (
	PhaseIdle                 WindowPhase = "idle"
	PhaseScheduled            WindowPhase = "scheduled"
	PhaseActive               WindowPhase = "active"
	PhaseAwaitingConfirmation WindowPhase = "awaiting_confirmation"
	PhaseCleared              WindowPhase = "cleared"
)

// BlockingSession is the derived read-model consumed by the UI layer.
// It is a pure function of (now, stored facts) and is never persisted.
type BlockingSession struct {
	Phase                 WindowPhase
	WindowID              string
	Prayer                PrayerName
	IsBlocking            bool
	IsWaitingConfirmation bool
	TimeRemaining         time.Duration
	EarlyUnlockAvailable  bool
}

// NoSelectionWarning records that a window started with an empty selection.
// Silently "succeeding" at blocking nothing is a reportable condition.
type NoSelectionWarning struct {
	WindowID string    `json:"window_id"`
	At       time.Time `json:"at"`
}
