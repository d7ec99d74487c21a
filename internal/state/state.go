// Package state is the typed facade over the raw shared store. Each
// accessor knows which process owns its key, so callers cannot write a
// fact they do not own. Values are JSON, one fact per key; a write
// replaces the whole value atomically.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/store"
)

// readJSON unmarshals the value at key into out; ok=false if unset.
func readJSON(s domain.StateStore, key string, out any) (bool, error) {
	raw, ok, err := s.Read(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("corrupt value at %q: %w", key, err)
	}
	return true, nil
}

func writeJSON(s domain.StateStore, role domain.WriterRole, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Write(role, key, raw)
}

// --- app-owned facts ---

// SavePlan replaces the planned window set. The previous plan is
// superseded wholesale, never mutated.
func SavePlan(s domain.StateStore, windows []domain.Window) error {
	return writeJSON(s, domain.WriterApp, store.KeyPlannedWindows, windows)
}

// LoadPlan returns the currently planned windows (nil if none).
func LoadPlan(s domain.StateStore) ([]domain.Window, error) {
	var windows []domain.Window
	if _, err := readJSON(s, store.KeyPlannedWindows, &windows); err != nil {
		return nil, err
	}
	return windows, nil
}

// PlannedWindow looks up one planned window by id.
func PlannedWindow(s domain.StateStore, windowID string) (*domain.Window, error) {
	windows, err := LoadPlan(s)
	if err != nil {
		return nil, err
	}
	for i := range windows {
		if windows[i].ID == windowID {
			return &windows[i], nil
		}
	}
	return nil, nil
}

// SaveMonitored replaces the bounded list of host-registered window ids.
func SaveMonitored(s domain.StateStore, entries []domain.MonitoredWindow) error {
	return writeJSON(s, domain.WriterApp, store.KeyMonitoredWindows, entries)
}

// LoadMonitored returns the tracked host registrations (nil if none).
func LoadMonitored(s domain.StateStore) ([]domain.MonitoredWindow, error) {
	var entries []domain.MonitoredWindow
	if _, err := readJSON(s, store.KeyMonitoredWindows, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveSettings mirrors the user settings into the store so the agent can
// re-check them at enforcement time, not plan time.
func SaveSettings(s domain.StateStore, settings domain.Settings) error {
	return writeJSON(s, domain.WriterApp, store.KeySettings, settings)
}

// LoadSettings returns the stored settings, defaulting to everything
// disabled when the main process has not written them yet.
func LoadSettings(s domain.StateStore) (domain.Settings, error) {
	settings := domain.Settings{
		Enabled:             map[domain.PrayerName]bool{},
		Mode:                domain.ModeNormal,
		UnlockAfterFraction: 0.5,
	}
	if _, err := readJSON(s, store.KeySettings, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// SetMode records the global Normal/Strict policy.
func SetMode(s domain.StateStore, mode domain.Mode) error {
	return s.Write(domain.WriterApp, store.KeyMode, []byte(mode))
}

// GetMode returns the global policy, defaulting to Normal.
func GetMode(s domain.StateStore) (domain.Mode, error) {
	raw, ok, err := s.Read(store.KeyMode)
	if err != nil || !ok {
		return domain.ModeNormal, err
	}
	mode := domain.Mode(raw)
	if mode != domain.ModeNormal && mode != domain.ModeStrict {
		return domain.ModeNormal, nil
	}
	return mode, nil
}

// SetNeedsAuthorization flags that host registration was rejected and the
// user has to re-grant authorization. Surfaced by the status command.
func SetNeedsAuthorization(s domain.StateStore, needed bool) error {
	return writeJSON(s, domain.WriterApp, store.KeyNeedsAuth, needed)
}

// NeedsAuthorization reports the persistent authorization flag.
func NeedsAuthorization(s domain.StateStore) (bool, error) {
	var needed bool
	if _, err := readJSON(s, store.KeyNeedsAuth, &needed); err != nil {
		return false, err
	}
	return needed, nil
}

// --- agent-owned facts ---

// SaveRecord stores the ground-truth enforcement record for a window
// occurrence and points latest-enforcement at it.
func SaveRecord(s domain.StateStore, rec domain.EnforcementRecord) error {
	if err := writeJSON(s, domain.WriterAgent, store.PrefixEnforcementRecord+rec.WindowID, rec); err != nil {
		return err
	}
	return s.Write(domain.WriterAgent, store.KeyLatestEnforcement, []byte(rec.WindowID))
}

// LoadRecord returns the enforcement record for a window (nil if none).
func LoadRecord(s domain.StateStore, windowID string) (*domain.EnforcementRecord, error) {
	var rec domain.EnforcementRecord
	ok, err := readJSON(s, store.PrefixEnforcementRecord+windowID, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// LatestRecord returns the most recently written enforcement record.
func LatestRecord(s domain.StateStore) (*domain.EnforcementRecord, error) {
	raw, ok, err := s.Read(store.KeyLatestEnforcement)
	if err != nil || !ok {
		return nil, err
	}
	return LoadRecord(s, string(raw))
}

// PruneRecords deletes enforcement records and unlock markers for windows
// that ended before the horizon. Operability only, not correctness-bearing.
func PruneRecords(s domain.StateStore, before time.Time) (int, error) {
	keys, err := s.Keys(store.PrefixEnforcementRecord)
	if err != nil {
		return 0, err
	}
	sort.Strings(keys)

	pruned := 0
	for _, key := range keys {
		var rec domain.EnforcementRecord
		if ok, err := readJSON(s, key, &rec); err != nil || !ok {
			continue
		}
		if !rec.EndsAt.Before(before) {
			continue
		}
		if err := s.Delete(domain.WriterAgent, key); err != nil {
			return pruned, err
		}
		// The unlock marker shares the occurrence's lifetime.
		_ = s.Delete(domain.WriterAgent, store.PrefixEarlyUnlockUsed+rec.WindowID)
		pruned++
	}
	return pruned, nil
}

// SetCurrentlyEnforced records whether a restriction set is applied right now.
func SetCurrentlyEnforced(s domain.StateStore, enforced bool) error {
	return writeJSON(s, domain.WriterAgent, store.KeyCurrentlyEnforced, enforced)
}

// CurrentlyEnforced reports whether a restriction set is applied right now.
func CurrentlyEnforced(s domain.StateStore) (bool, error) {
	var enforced bool
	if _, err := readJSON(s, store.KeyCurrentlyEnforced, &enforced); err != nil {
		return false, err
	}
	return enforced, nil
}

// SetAwaitingConfirmation records the Strict-mode post-window hold.
func SetAwaitingConfirmation(s domain.StateStore, awaiting bool) error {
	return writeJSON(s, domain.WriterAgent, store.KeyAwaitingConfirmation, awaiting)
}

// AwaitingConfirmation reports the Strict-mode post-window hold.
func AwaitingConfirmation(s domain.StateStore) (bool, error) {
	var awaiting bool
	if _, err := readJSON(s, store.KeyAwaitingConfirmation, &awaiting); err != nil {
		return false, err
	}
	return awaiting, nil
}

// SetEnforcementStart records when the current enforcement began.
func SetEnforcementStart(s domain.StateStore, at time.Time) error {
	return writeJSON(s, domain.WriterAgent, store.KeyEnforcementStart, at)
}

// EnforcementStart returns when the current enforcement began (zero if unset).
func EnforcementStart(s domain.StateStore) (time.Time, error) {
	var at time.Time
	if _, err := readJSON(s, store.KeyEnforcementStart, &at); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// SetAppliedTokens records the restriction token set actually applied.
// The main process's sweep loop reads it; only the agent writes it.
func SetAppliedTokens(s domain.StateStore, tokens []string) error {
	return writeJSON(s, domain.WriterAgent, store.KeyAppliedTokens, tokens)
}

// AppliedTokens returns the restriction token set actually applied.
func AppliedTokens(s domain.StateStore) ([]string, error) {
	var tokens []string
	if _, err := readJSON(s, store.KeyAppliedTokens, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// SetNoSelectionWarning records that a window started with nothing selected.
func SetNoSelectionWarning(s domain.StateStore, w domain.NoSelectionWarning) error {
	return writeJSON(s, domain.WriterAgent, store.KeyNoSelectionWarning, w)
}

// GetNoSelectionWarning returns the latest empty-selection warning (nil if none).
func GetNoSelectionWarning(s domain.StateStore) (*domain.NoSelectionWarning, error) {
	var w domain.NoSelectionWarning
	ok, err := readJSON(s, store.KeyNoSelectionWarning, &w)
	if err != nil || !ok {
		return nil, err
	}
	return &w, nil
}

// MarkEarlyUnlockUsed consumes the one-shot unlock token for a window
// occurrence. It never re-arms for the same occurrence.
func MarkEarlyUnlockUsed(s domain.StateStore, windowID string, at time.Time) error {
	return writeJSON(s, domain.WriterAgent, store.PrefixEarlyUnlockUsed+windowID, at)
}

// EarlyUnlockUsed reports whether the unlock token for a window is consumed.
func EarlyUnlockUsed(s domain.StateStore, windowID string) (bool, error) {
	_, ok, err := s.Read(store.PrefixEarlyUnlockUsed + windowID)
	return ok, err
}
