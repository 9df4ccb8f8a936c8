// Package sweeper implements the Recovery Sweeper (spec.md §4.8): a
// periodic task, independent of the Scheduler's tick, that reaps stale
// ExecutionLock rows and re-admits loaders stuck in FAILED after their
// grace period. It never executes a loader itself — only state rows are
// mutated.
package sweeper

import (
	"context"
	"time"

	"loaderengine/pkg/logger"
	"loaderengine/pkg/metrics"
)

// LockStore is the subset of internal/store.LockStore the Sweeper drives.
type LockStore interface {
	ReapStaleLocks(ctx context.Context, staleThreshold time.Duration) ([]string, error)
	RecoverGraceExpired(ctx context.Context, grace time.Duration) ([]string, error)
}

// Sweeper runs the two reaping rules on an independent tick from the
// Scheduler.
type Sweeper struct {
	store          LockStore
	metrics        *metrics.Metrics
	tick           time.Duration
	staleThreshold time.Duration
	grace          time.Duration
}

// New creates a Sweeper. staleThreshold and grace come from
// RecoveryConfig.StaleLockThreshold/FailedGrace.
func New(store LockStore, m *metrics.Metrics, tick, staleThreshold, grace time.Duration) *Sweeper {
	return &Sweeper{
		store:          store,
		metrics:        m,
		tick:           tick,
		staleThreshold: staleThreshold,
		grace:          grace,
	}
}

// Run blocks, sweeping until ctx is canceled. Per spec.md §7's propagation
// policy, the Sweeper logs and swallows its own errors and always
// continues to the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	reaped, err := s.store.ReapStaleLocks(ctx, s.staleThreshold)
	if err != nil {
		logger.Error("sweeper: reap stale locks failed", "error", err)
	} else {
		for _, code := range reaped {
			logger.Warn("sweeper: reaped stale execution lock", "loader_code", code)
			s.metrics.RecordRecovery(code, "stale_lock_reaped")
		}
	}

	recovered, err := s.store.RecoverGraceExpired(ctx, s.grace)
	if err != nil {
		logger.Error("sweeper: recover grace-expired loaders failed", "error", err)
		return
	}
	for _, code := range recovered {
		logger.Info("sweeper: recovered failed loader after grace period", "loader_code", code)
		s.metrics.RecordRecovery(code, "failed_grace_expired")
	}
}
