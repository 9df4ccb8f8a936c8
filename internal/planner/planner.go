// Package planner computes the next query window for a loader (spec.md
// §4.3): the Watermark Planner.
package planner

import (
	"context"
	"time"

	"loaderengine/internal/domain"
	"loaderengine/pkg/apperror"
)

// WatermarkSeeder persists a freshly seeded watermark before a first-run
// Window is handed back, so a crash between seeding and execution never
// causes an unbounded replay from the zero value.
type WatermarkSeeder interface {
	SeedWatermark(ctx context.Context, loaderCode string, at time.Time) error
}

// Planner computes [from, to) windows per spec.md §4.3's algorithm.
type Planner struct {
	store           WatermarkSeeder
	defaultLookback time.Duration
}

// New creates a Planner. defaultLookback seeds the watermark of a loader
// that has never run.
func New(store WatermarkSeeder, defaultLookback time.Duration) *Planner {
	return &Planner{store: store, defaultLookback: defaultLookback}
}

// Plan returns the next window for loader as of now, or nil if the loader
// is not yet due. The returned Window holds the raw UTC instants used for
// watermark accounting; callers derive the source-local instants for SQL
// binding with SourceWindow and the loader's SourceTimezoneOffsetHours.
// For a loader that has never run, Plan first persists the seeded
// watermark through the WatermarkSeeder.
func (p *Planner) Plan(ctx context.Context, loader *domain.Loader, now time.Time) (*domain.Window, error) {
	last := loader.LastLoadTimestamp
	if last == nil {
		seeded := now.Add(-p.defaultLookback)
		if err := p.store.SeedWatermark(ctx, loader.LoaderCode, seeded); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "seed watermark")
		}
		last = &seeded
		loader.LastLoadTimestamp = &seeded
	}

	earliestStart := last.Add(time.Duration(loader.MinIntervalSeconds) * time.Second)
	var cadenceStart time.Time
	if loader.LastExecutionStart != nil {
		cadenceStart = loader.LastExecutionStart.Add(time.Duration(loader.MaxIntervalSeconds) * time.Second)
	}
	due := now.After(earliestStart) || now.Equal(earliestStart)
	if !cadenceStart.IsZero() {
		due = due && (now.After(cadenceStart) || now.Equal(cadenceStart))
	}
	if !due {
		return nil, nil
	}

	to := now
	maxTo := last.Add(time.Duration(loader.MaxQueryPeriodSeconds) * time.Second)
	if maxTo.Before(to) {
		to = maxTo
	}
	// While a backfill is in progress, the window never reaches past its
	// target: the catch-up stops at toEpochSec instead of running on into
	// live territory the next tick would already cover.
	if loader.BackfillUntil != nil && loader.BackfillUntil.Before(to) {
		to = *loader.BackfillUntil
	}

	window := &domain.Window{From: *last, To: to}
	if window.Width() <= 0 {
		return nil, nil
	}
	return window, nil
}

// SourceWindow translates a UTC window to source-local instants for SQL
// binding, per spec.md §4.3 step 4. The UTC values in window are
// untouched and remain the values watermark accounting uses.
func SourceWindow(window domain.Window, offsetHours int) domain.Window {
	offset := time.Duration(offsetHours) * time.Hour
	return domain.Window{
		From: window.From.Add(-offset),
		To:   window.To.Add(-offset),
	}
}
