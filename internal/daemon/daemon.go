// Package daemon implements the main-process loop: periodic re-planning,
// the enforcement sweep, and the store-driven session read-model.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/metrics"
	"github.com/mksalih/salahguard/internal/planner"
	"github.com/mksalih/salahguard/internal/registrar"
	"github.com/mksalih/salahguard/internal/session"
	"github.com/mksalih/salahguard/internal/state"
	"github.com/mksalih/salahguard/internal/store"
)

// Config holds the daemon loop configuration.
type Config struct {
	ReplanInterval time.Duration // How often to re-plan and reconcile
	SweepInterval  time.Duration // How often to re-apply the active token set
	HorizonDays    int           // How far ahead to ask the prayer-time source
	Retention      time.Duration // How long to keep enforcement records
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		ReplanInterval: 30 * time.Minute,
		SweepInterval:  15 * time.Second,
		HorizonDays:    3,
		Retention:      7 * 24 * time.Hour,
	}
}

// Daemon is the long-running main process. It never blocks on the agent:
// it re-derives the blocking session from store snapshots on its own
// timer or on a store-change signal.
type Daemon struct {
	config   Config
	store    domain.StateStore
	watcher  domain.StoreWatcher
	source   domain.PrayerTimeSource
	planner  *planner.Planner
	registry *registrar.Registrar
	enforcer domain.RestrictionEnforcer
	sessions *session.Service
	backups  *store.BackupManager // optional
	settings domain.Settings
	logger   *zap.Logger

	lastSession domain.BlockingSession
}

// New creates the main-process daemon.
func New(
	config Config,
	store domain.StateStore,
	watcher domain.StoreWatcher,
	source domain.PrayerTimeSource,
	plan *planner.Planner,
	registry *registrar.Registrar,
	enforcer domain.RestrictionEnforcer,
	sessions *session.Service,
	backups *store.BackupManager,
	settings domain.Settings,
	logger *zap.Logger,
) *Daemon {
	return &Daemon{
		config:   config,
		store:    store,
		watcher:  watcher,
		source:   source,
		planner:  plan,
		registry: registry,
		enforcer: enforcer,
		sessions: sessions,
		backups:  backups,
		settings: settings,
		logger:   logger,
	}
}

// Run starts the daemon loop. Blocks until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	// Mirror settings into the store first: the agent re-checks them at
	// enforcement time and only ever reads the store.
	if err := state.SaveSettings(d.store, d.settings); err != nil {
		d.logger.Error("failed to store settings", zap.Error(err))
		return err
	}
	if err := state.SetMode(d.store, d.settings.Mode); err != nil {
		d.logger.Error("failed to store mode", zap.Error(err))
		return err
	}

	d.logger.Info("daemon started",
		zap.String("mode", string(d.settings.Mode)),
		zap.Duration("window_duration", d.settings.WindowDuration))

	// Plan immediately on startup, then on the ticker.
	d.replan()
	d.observeSession()

	replanTicker := time.NewTicker(d.config.ReplanInterval)
	sweepTicker := time.NewTicker(d.config.SweepInterval)
	defer func() {
		replanTicker.Stop()
		sweepTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return ctx.Err()

		case <-replanTicker.C:
			d.replan()

		case <-sweepTicker.C:
			d.sweep()
			d.observeSession()

		case <-d.watcher.Changes():
			d.observeSession()
		}
	}
}

// replan recomputes the window plan, reconciles host registrations and
// prunes old records. Failures are logged and retried next tick.
func (d *Daemon) replan() {
	now := time.Now()

	occurrences, err := d.source.Occurrences(now, d.config.HorizonDays)
	if err != nil {
		d.logger.Error("failed to fetch prayer occurrences", zap.Error(err))
		return
	}

	plan := d.planner.Plan(now, occurrences, d.settings)
	if err := state.SavePlan(d.store, plan); err != nil {
		d.logger.Error("failed to store plan", zap.Error(err))
		return
	}
	metrics.PlansComputed.Inc()

	if err := d.registry.Reconcile(now, plan); err != nil {
		d.logger.Error("failed to reconcile registrations", zap.Error(err))
	}

	pruned, err := state.PruneRecords(d.store, now.Add(-d.config.Retention))
	if err != nil {
		d.logger.Warn("failed to prune enforcement records", zap.Error(err))
	} else if pruned > 0 {
		d.logger.Debug("pruned enforcement records", zap.Int("count", pruned))
	}

	if d.backups != nil {
		if err := d.backups.MaybeSnapshot(); err != nil {
			d.logger.Warn("failed to snapshot store", zap.Error(err))
		}
	}

	d.logger.Info("re-planned windows",
		zap.Int("occurrences", len(occurrences)),
		zap.Int("windows", len(plan)))
}

// sweep re-applies the active restriction set so that apps relaunched
// mid-window are suppressed again. A no-op unless enforcement is active.
func (d *Daemon) sweep() {
	enforced, err := state.CurrentlyEnforced(d.store)
	if err != nil {
		d.logger.Warn("failed to read enforcement flag", zap.Error(err))
		return
	}
	if !enforced {
		return
	}

	tokens, err := state.AppliedTokens(d.store)
	if err != nil {
		d.logger.Warn("failed to read applied tokens", zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	if err := d.enforcer.Apply(tokens); err != nil {
		d.logger.Warn("enforcement sweep failed", zap.Error(err))
	}
}

// observeSession re-derives the blocking session and logs transitions.
func (d *Daemon) observeSession() {
	current, err := d.sessions.Current()
	if err != nil {
		d.logger.Warn("failed to derive session", zap.Error(err))
		return
	}

	if current.Phase != d.lastSession.Phase ||
		current.WindowID != d.lastSession.WindowID ||
		current.IsBlocking != d.lastSession.IsBlocking {
		d.logger.Info("session changed",
			zap.String("phase", string(current.Phase)),
			zap.String("window_id", current.WindowID),
			zap.Bool("blocking", current.IsBlocking),
			zap.Bool("awaiting_confirmation", current.IsWaitingConfirmation),
			zap.Duration("time_remaining", current.TimeRemaining))
	}
	d.lastSession = current
}
