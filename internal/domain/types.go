// Package domain holds the loader engine's core entities: the configured
// pipeline (Loader), its source connection descriptor (SourceDatabase), the
// distributed mutual-exclusion row (ExecutionLock), and the row shape handed
// to the ingestion sink (SignalRecord).
package domain

import (
	"fmt"
	"time"

	"loaderengine/pkg/apperror"
	"loaderengine/pkg/secret"
)

// LoadStatus is a loader's persisted runtime state.
type LoadStatus string

const (
	StatusIdle    LoadStatus = "IDLE"
	StatusRunning LoadStatus = "RUNNING"
	StatusFailed  LoadStatus = "FAILED"
	StatusPaused  LoadStatus = "PAUSED"
)

// PurgeStrategy controls how the Ingestion Sink handles a window that
// overlaps territory already ingested.
type PurgeStrategy string

const (
	PurgeFailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	PurgeAndReload       PurgeStrategy = "PURGE_AND_RELOAD"
	PurgeSkipDuplicates  PurgeStrategy = "SKIP_DUPLICATES"
)

// DatabaseType selects the dialect-specific privilege check and SQL runner.
type DatabaseType string

const (
	DatabaseMySQL      DatabaseType = "MYSQL"
	DatabasePostgreSQL DatabaseType = "POSTGRESQL"
	DatabaseUnknown    DatabaseType = "UNKNOWN"
)

// Loader is a configured extraction pipeline: one source query, one cadence,
// one watermark.
type Loader struct {
	LoaderCode string

	// LoaderSQL contains the placeholders :fromTime and :toTime, stored
	// encrypted at rest and decrypted only transiently by the query runner.
	LoaderSQL secret.Ciphertext

	MinIntervalSeconds       int64
	MaxIntervalSeconds       int64
	MaxQueryPeriodSeconds    int64
	MaxParallelExecutions    int
	SourceTimezoneOffsetHours int
	AggregationPeriodSeconds int64
	PurgeStrategy            PurgeStrategy
	Enabled                  bool

	LoadStatus LoadStatus

	// LastLoadTimestamp is the upper bound of the last window successfully
	// ingested: the watermark. Nil means the loader has never run.
	LastLoadTimestamp *time.Time

	// LastExecutionStart is the start instant of the most recently started
	// execution, used by the planner's cadence check (start-to-start).
	LastExecutionStart *time.Time

	// FailedSince is set the instant a loader enters FAILED; nil otherwise.
	FailedSince *time.Time

	ConsecutiveZeroRecordRuns int

	// ConsecutiveTransientFailures counts consecutive SOURCE_UNAVAILABLE,
	// TIMEOUT, or SINK_WRITE_FAILED outcomes. Reset to 0 on any success;
	// at 3 the executor transitions the loader to FAILED instead of
	// leaving it IDLE for an implicit retry on the next tick.
	ConsecutiveTransientFailures int

	SourceCode string

	// BackfillUntil is the target watermark of an in-progress admin
	// backfill (spec.md §6): non-nil while the loader is catching up to a
	// requested toEpochSec. Cleared once LastLoadTimestamp reaches it.
	BackfillUntil *time.Time

	// BackfillPurgeStrategy is the purge strategy scoped to the duration
	// of an in-progress backfill, overriding PurgeStrategy while
	// BackfillUntil is set.
	BackfillPurgeStrategy PurgeStrategy
}

// EffectivePurgeStrategy returns the purge strategy an execution should
// apply: the backfill override while a backfill is in progress, otherwise
// the loader's resting strategy.
func (l *Loader) EffectivePurgeStrategy() PurgeStrategy {
	if l.BackfillUntil != nil && l.BackfillPurgeStrategy != "" {
		return l.BackfillPurgeStrategy
	}
	return l.PurgeStrategy
}

// Validate enforces the invariants spec.md §3 places on a Loader
// definition. maxParallelExecutions > 1 is rejected outright: the engine
// implements no window-partitioning scheme across multiple lock slots, so
// a value above 1 cannot be honored safely (see Open Question #1 in
// DESIGN.md).
func (l *Loader) Validate() error {
	ve := apperror.NewValidationErrors()
	if l.LoaderCode == "" {
		ve.AddErrorWithField(apperror.CodeInvalidArgument, "must not be empty", "loaderCode")
	}
	if l.MinIntervalSeconds < 0 {
		ve.AddErrorWithField(apperror.CodeInvalidArgument, "must be >= 0", "minIntervalSeconds")
	}
	if l.MaxIntervalSeconds <= 0 {
		ve.AddErrorWithField(apperror.CodeInvalidArgument, "must be > 0", "maxIntervalSeconds")
	}
	if l.MaxQueryPeriodSeconds <= 0 {
		ve.AddErrorWithField(apperror.CodeInvalidArgument, "must be > 0", "maxQueryPeriodSeconds")
	}
	if l.MaxParallelExecutions < 1 {
		ve.AddErrorWithField(apperror.CodeInvalidArgument, "must be >= 1", "maxParallelExecutions")
	}
	if l.MaxParallelExecutions > 1 {
		ve.AddErrorWithField(apperror.CodeInvalidArgument,
			"values above 1 are not supported: the engine has no window-partitioning scheme across lock slots",
			"maxParallelExecutions")
	}
	switch l.PurgeStrategy {
	case PurgeFailOnDuplicate, PurgeAndReload, PurgeSkipDuplicates:
	default:
		ve.AddErrorWithField(apperror.CodeInvalidArgument,
			fmt.Sprintf("unrecognized purge strategy %q", l.PurgeStrategy), "purgeStrategy")
	}
	if l.LoadStatus == StatusFailed && l.FailedSince == nil {
		ve.AddErrorWithField(apperror.CodeInvalidArgument, "must be set when loadStatus is FAILED", "failedSince")
	}
	if !ve.IsValid() {
		return fmt.Errorf("invalid loader %q: %v", l.LoaderCode, ve.ErrorMessages())
	}
	return nil
}

// SourceDatabase is a connection descriptor for a source the registry pools
// connections to. Immutable once referenced by an executing loader;
// definition changes invalidate the registry's cached pool rather than
// mutating connections in place.
type SourceDatabase struct {
	SourceCode string
	Host       string
	Port       int
	Database   string
	Type       DatabaseType
	Username   string
	Password   secret.Ciphertext
}

// ExecutionLock is the cross-replica mutual-exclusion row for one
// (loaderCode, slot) pair. Only the Recovery Sweeper reaps rows whose
// heartbeat has gone stale.
type ExecutionLock struct {
	LoaderCode  string
	Slot        int
	HolderID    string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// SignalRecord is one row produced by a run, handed to the ingestion sink.
// The sink owns the schema contract with the signal store; the engine
// treats Payload as opaque.
type SignalRecord struct {
	// EventTimestamp is normalized to UTC by adding the loader's
	// SourceTimezoneOffsetHours before this struct is constructed.
	EventTimestamp time.Time
	LoaderCode     string
	Payload        map[string]any
}

// Window is a half-open time range [From, To) a single execution covers.
type Window struct {
	From time.Time
	To   time.Time
}

// Width returns the window's duration.
func (w Window) Width() time.Duration {
	return w.To.Sub(w.From)
}
