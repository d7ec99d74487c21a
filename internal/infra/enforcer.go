package infra

import (
	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/metrics"
)

// ProcessEnforcer implements domain.RestrictionEnforcer by terminating
// processes whose names match the restriction tokens.
//
// Apply is idempotent and last-call-wins: re-applying an already-applied
// set just finds nothing left to kill. A single Apply cannot suppress
// relaunches; continuous suppression between agent invocations is the
// main process's sweep loop, which re-applies the stored token set.
type ProcessEnforcer struct {
	processManager domain.ProcessManager
	logger         *zap.Logger
}

// NewProcessEnforcer creates the process-killing enforcement adapter.
func NewProcessEnforcer(pm domain.ProcessManager, logger *zap.Logger) domain.RestrictionEnforcer {
	return &ProcessEnforcer{processManager: pm, logger: logger}
}

// Apply kills every process matching the token set. Per-process failures
// are logged and skipped; a process that exits between find and kill is
// not an error.
func (e *ProcessEnforcer) Apply(tokens []string) error {
	for _, token := range tokens {
		pids, err := e.processManager.FindByName(token)
		if err != nil {
			e.logger.Warn("failed to find processes",
				zap.String("token", token),
				zap.Error(err))
			continue
		}
		for _, pid := range pids {
			if err := e.processManager.Kill(pid); err != nil {
				e.logger.Warn("failed to kill process",
					zap.String("token", token),
					zap.Int("pid", pid),
					zap.Error(err))
				continue
			}
			metrics.SweepKills.Inc()
			e.logger.Info("killed process",
				zap.String("token", token),
				zap.Int("pid", pid))
		}
	}
	return nil
}

// Clear lifts the restriction. Killing stops once the applied set is
// emptied in the store, so there is nothing to undo at the OS level.
func (e *ProcessEnforcer) Clear() error {
	e.logger.Debug("restrictions cleared")
	return nil
}

// Ensure ProcessEnforcer implements domain.RestrictionEnforcer.
var _ domain.RestrictionEnforcer = (*ProcessEnforcer)(nil)
