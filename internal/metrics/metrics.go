// Package metrics defines the Prometheus instrumentation for the
// scheduling and enforcement core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PlansComputed counts planner runs.
	PlansComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salahguard_plans_computed_total",
		Help: "Number of window re-plans computed.",
	})

	// WindowsRegistered counts successful host registrations.
	WindowsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salahguard_windows_registered_total",
		Help: "Number of windows registered with the activity monitor.",
	})

	// EnforcementsApplied counts restriction sets applied at window start.
	EnforcementsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salahguard_enforcements_applied_total",
		Help: "Number of restriction sets applied.",
	})

	// EnforcementsSkipped counts window starts skipped because the prayer
	// was disabled or the selection was empty.
	EnforcementsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salahguard_enforcements_skipped_total",
		Help: "Number of window starts that applied nothing.",
	}, []string{"reason"})

	// EnforcementsCleared counts restriction reverts, by cause.
	EnforcementsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salahguard_enforcements_cleared_total",
		Help: "Number of restriction reverts.",
	}, []string{"cause"})

	// EarlyUnlocks counts consumed one-shot unlock tokens.
	EarlyUnlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salahguard_early_unlocks_total",
		Help: "Number of early unlocks granted.",
	})

	// AgentFailures counts agent invocations that degraded to no-op.
	AgentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salahguard_agent_failures_total",
		Help: "Number of agent invocations that made no change due to an error.",
	}, []string{"event"})

	// SweepKills counts processes terminated by the enforcement sweep.
	SweepKills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salahguard_sweep_kills_total",
		Help: "Number of processes terminated by the enforcement sweep.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
