// Package hostmon adapts a local gocron scheduler to the activity-monitor
// host capability: registered windows fire detached agent invocations at
// their start, end and warning instants.
package hostmon

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
)

// Invoker launches one agent callback. The production invoker spawns a
// detached process of this binary; tests substitute a recorder.
type Invoker func(event string, windowID string) error

// Monitor implements domain.ActivityMonitor on gocron one-time jobs.
// Jobs are tagged with their window id so deregistration is one call and
// re-registration with the same deterministic id stays idempotent.
type Monitor struct {
	scheduler gocron.Scheduler
	invoke    Invoker
	logger    *zap.Logger
}

// New creates and starts the monitor.
func New(invoke Invoker, logger *zap.Logger) (*Monitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	m := &Monitor{
		scheduler: s,
		invoke:    invoke,
		logger:    logger,
	}
	s.Start()
	return m, nil
}

// Register schedules the window's boundary callbacks. Instants already in
// the past are silently dropped; the host only promises future callbacks.
func (m *Monitor) Register(w domain.Window, warnBeforeStart, warnBeforeEnd time.Duration) error {
	// Re-registration with the same id replaces the previous jobs.
	m.scheduler.RemoveByTags(w.ID)

	type boundary struct {
		event string
		at    time.Time
	}
	boundaries := []boundary{
		{"start", w.StartsAt},
		{"end", w.EndsAt()},
	}
	if warnBeforeStart > 0 {
		boundaries = append(boundaries, boundary{"warn-start", w.StartsAt.Add(-warnBeforeStart)})
	}
	if warnBeforeEnd > 0 && warnBeforeEnd < w.Duration {
		boundaries = append(boundaries, boundary{"warn-end", w.EndsAt().Add(-warnBeforeEnd)})
	}

	now := time.Now()
	for _, b := range boundaries {
		if !b.at.After(now) {
			continue
		}
		_, err := m.scheduler.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(b.at)),
			gocron.NewTask(m.fire, b.event, w.ID),
			gocron.WithName(fmt.Sprintf("%s-%s", w.ID, b.event)),
			gocron.WithTags(w.ID),
		)
		if err != nil {
			m.scheduler.RemoveByTags(w.ID)
			return fmt.Errorf("failed to schedule %s callback for %s: %w", b.event, w.ID, err)
		}
	}
	return nil
}

// Unregister cancels all callbacks for a window id.
func (m *Monitor) Unregister(windowID string) error {
	m.scheduler.RemoveByTags(windowID)
	return nil
}

// Close shuts the scheduler down.
func (m *Monitor) Close() error {
	return m.scheduler.Shutdown()
}

// fire launches one agent invocation. The agent runs in its own process
// and run-to-completion; nothing here waits on it.
func (m *Monitor) fire(event, windowID string) {
	if err := m.invoke(event, windowID); err != nil {
		m.logger.Error("failed to invoke agent",
			zap.String("event", event),
			zap.String("window_id", windowID),
			zap.Error(err))
		return
	}
	m.logger.Debug("agent invoked",
		zap.String("event", event),
		zap.String("window_id", windowID))
}

// Ensure Monitor implements domain.ActivityMonitor.
var _ domain.ActivityMonitor = (*Monitor)(nil)
