// Package scheduler implements the process-wide tick loop (spec.md §4.7):
// on each tick, select loaders eligible to run and dispatch them to the
// Executor with bounded per-process concurrency.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"loaderengine/internal/domain"
	"loaderengine/pkg/logger"
	"loaderengine/pkg/metrics"
)

// LoaderStore is the subset of internal/store.LoaderStore the Scheduler
// reads eligibility from.
type LoaderStore interface {
	GetDue(ctx context.Context) ([]*domain.Loader, error)
	CountStatus(ctx context.Context) (running, enabled int, err error)
}

// Planner answers whether a candidate loader is due — the same contract
// internal/planner.Planner exposes, used here only as an eligibility probe
// before dispatch; the Executor re-plans under lock before actually
// running. For a loader that has never run, the probe persists the seeded
// watermark, as any call to internal/planner.Planner.Plan does.
type Planner interface {
	Plan(ctx context.Context, loader *domain.Loader, now time.Time) (*domain.Window, error)
}

// Executor runs one execution of one loader.
type Executor interface {
	Execute(ctx context.Context, loaderCode string) error
}

// Scheduler is the fixed-tick dispatch loop.
type Scheduler struct {
	store    LoaderStore
	planner  Planner
	executor Executor
	metrics  *metrics.Metrics
	tick     time.Duration
	sem      *semaphore.Weighted
}

// New creates a Scheduler. workerPoolSize bounds per-process concurrent
// executions; distributed concurrency across replicas is bounded
// separately by the execution_lock table. Recovery from FAILED is the
// Sweeper's job alone (spec.md §4.8) — the Scheduler takes no grace
// period of its own and simply skips FAILED loaders every tick.
func New(store LoaderStore, plan Planner, exec Executor, m *metrics.Metrics, tick time.Duration, workerPoolSize int) *Scheduler {
	return &Scheduler{
		store:    store,
		planner:  plan,
		executor: exec,
		metrics:  m,
		tick:     tick,
		sem:      semaphore.NewWeighted(int64(workerPoolSize)),
	}
}

// Run blocks, ticking until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
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

// runOnce performs one tick: query, filter, dispatch.
func (s *Scheduler) runOnce(ctx context.Context) {
	candidates, err := s.store.GetDue(ctx)
	if err != nil {
		logger.Error("scheduler: failed to query due loaders", "error", err)
		return
	}

	running, enabled, err := s.store.CountStatus(ctx)
	if err != nil {
		logger.Error("scheduler: failed to count loader statuses", "error", err)
	} else {
		s.metrics.SetRunningCount(running)
		s.metrics.SetEnabledCount(enabled)
	}

	now := time.Now().UTC()
	for _, loader := range candidates {
		if !s.eligible(ctx, loader, now) {
			continue
		}
		s.dispatch(ctx, loader.LoaderCode)
	}
}

// eligible applies spec.md §4.7 step 2: a FAILED loader stays ineligible
// until the Recovery Sweeper has had the chance to reset it — the
// Scheduler itself never transitions a loader out of FAILED.
func (s *Scheduler) eligible(ctx context.Context, loader *domain.Loader, now time.Time) bool {
	if loader.LoadStatus == domain.StatusFailed {
		return false
	}
	window, err := s.planner.Plan(ctx, loader, now)
	if err != nil {
		logger.Error("scheduler: plan probe failed", "loader_code", loader.LoaderCode, "error", err)
		return false
	}
	return window != nil
}

// dispatch submits a loader code to the bounded worker pool, firing and
// forgetting per spec.md §4.7 step 4. If the pool is saturated, the tick
// simply leaves the loader for the next tick rather than blocking.
func (s *Scheduler) dispatch(ctx context.Context, loaderCode string) {
	if !s.sem.TryAcquire(1) {
		logger.Debug("scheduler: worker pool saturated, deferring", "loader_code", loaderCode)
		return
	}

	go func() {
		defer s.sem.Release(1)
		execCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := s.executor.Execute(execCtx, loaderCode); err != nil {
			logger.Error("scheduler: execution returned error", "loader_code", loaderCode, "error", err)
		}
	}()
}
