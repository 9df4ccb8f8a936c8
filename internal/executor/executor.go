// Package executor implements the Loader Executor (spec.md §4.6): the
// single-loader, single-execution state machine that ties together the
// Source Registry, Privilege Inspector, Watermark Planner, Query Runner,
// and Ingestion Sink.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loaderengine/internal/activity"
	"loaderengine/internal/domain"
	"loaderengine/internal/planner"
	"loaderengine/internal/privilege"
	"loaderengine/internal/query"
	"loaderengine/internal/sink"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/logger"
	"loaderengine/pkg/metrics"
	"loaderengine/pkg/telemetry"
)

// LoaderStore is the subset of internal/store.LoaderStore the Executor
// drives through the state machine.
type LoaderStore interface {
	Get(ctx context.Context, loaderCode string) (*domain.Loader, error)
	AcquireAndTransition(ctx context.Context, loaderCode, holderID string) (bool, error)
	Heartbeat(ctx context.Context, loaderCode string) error
	CommitSuccess(ctx context.Context, loaderCode string, windowTo time.Time, rowsIngested int64) (backfillCompleted bool, err error)
	CommitIdle(ctx context.Context, loaderCode string) error
	CommitFailure(ctx context.Context, loaderCode string, execErr *apperror.Error) error
}

// Inspector gates execution on source-account privileges.
type Inspector interface {
	Inspect(ctx context.Context, sourceCode string) (privilege.Report, error)
}

// Planner computes the next execution window.
type Planner interface {
	Plan(ctx context.Context, loader *domain.Loader, now time.Time) (*domain.Window, error)
}

// Runner executes the loader's SQL template against its source.
type Runner interface {
	Run(ctx context.Context, loader *domain.Loader, window domain.Window) ([]query.Row, error)
}

// Sink writes rows into the signal store.
type Sink interface {
	Ingest(ctx context.Context, loader *domain.Loader, window domain.Window, rows []query.Row, previousWatermark *time.Time) (int, error)
}

// ActivityPublisher publishes lifecycle events. Optional: a nil Publisher
// disables publishing without changing the Executor's control flow.
type ActivityPublisher interface {
	Publish(ctx context.Context, event *activity.Event) error
}

// Executor runs one execution of one loader end to end.
type Executor struct {
	store           LoaderStore
	inspector       Inspector
	planner         Planner
	runner          Runner
	sink            Sink
	activity        ActivityPublisher
	metrics         *metrics.Metrics
	heartbeatPeriod time.Duration
}

// New creates an Executor. heartbeatPeriod should be half the stale-lock
// threshold per spec.md §4.6 step 5.
func New(store LoaderStore, inspector Inspector, plan Planner, runner Runner, snk Sink, pub ActivityPublisher, m *metrics.Metrics, heartbeatPeriod time.Duration) *Executor {
	return &Executor{
		store:           store,
		inspector:       inspector,
		planner:         plan,
		runner:          runner,
		sink:            snk,
		activity:        pub,
		metrics:         m,
		heartbeatPeriod: heartbeatPeriod,
	}
}

// Execute runs spec.md §4.6's seven steps for loaderCode. It returns nil
// when no lock slot is free or the loader is not due yet. A failed
// execution, including one gated by a privilege violation, is committed
// as FAILED and its error is returned; the Scheduler, which fires
// executions without waiting on them, only logs that error.
func (e *Executor) Execute(ctx context.Context, loaderCode string) error {
	holderID := uuid.NewString()
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "executor.Execute")
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.ExecutionAttributes(loaderCode, "", holderID)...)

	log := logger.WithLoader(loaderCode).With("correlationId", holderID)

	acquired, err := e.store.AcquireAndTransition(ctx, loaderCode, holderID)
	if err != nil {
		telemetry.SetError(ctx, err)
		log.Error("lock acquisition failed", "error", err)
		return err
	}
	if !acquired {
		log.Debug("lock not acquired, skipping execution")
		return nil
	}

	stopHeartbeat := e.startHeartbeat(ctx, loaderCode)
	defer stopHeartbeat()

	outcome := e.run(ctx, loaderCode)
	if outcome.err != nil {
		telemetry.SetError(ctx, outcome.err)
		log.Error("execution failed", "error", outcome.err)
	}

	if outcome.status != statusNotDue {
		e.metrics.RecordExecution(loaderCode, outcome.status, time.Since(start))
	}
	return outcome.err
}

// Terminal execution statuses recorded against loader_executions_total
// (spec.md §6, compatibility-relevant). statusNotDue is an internal
// control-flow marker, never recorded: a loader simply not due yet is not
// an execution attempt.
const (
	statusSuccess = "SUCCESS"
	statusFailed  = "FAILED"
	statusNotDue  = "NOT_DUE"
)

type executionOutcome struct {
	status string
	err    error
}

// run performs steps 3-6 of spec.md §4.6 and always issues a commit
// (success, idle, or failure) before returning, so the lock is released
// exactly once regardless of outcome.
func (e *Executor) run(ctx context.Context, loaderCode string) executionOutcome {
	loader, err := e.store.Get(ctx, loaderCode)
	if err != nil {
		_ = e.store.CommitFailure(ctx, loaderCode, apperror.Wrap(err, apperror.CodeStateLost, "reload loader after lock acquisition"))
		return executionOutcome{status: statusFailed, err: err}
	}
	telemetry.SetAttributes(ctx, attribute.String(telemetry.AttrSourceCode, loader.SourceCode))

	report, err := e.inspector.Inspect(ctx, loader.SourceCode)
	if err != nil {
		appErr := apperror.Wrap(err, apperror.CodeSourceUnavailable, "privilege inspection")
		_ = e.store.CommitFailure(ctx, loaderCode, appErr)
		return executionOutcome{status: statusFailed, err: appErr}
	}
	if !report.Clean() {
		reason := strings.Join(report.Violations, "; ")
		appErr := apperror.New(apperror.CodePrivilegeViolation, reason)
		_ = e.store.CommitFailure(ctx, loaderCode, appErr)
		e.publishFailure(ctx, loader, appErr)
		return executionOutcome{status: statusFailed, err: appErr}
	}

	now := time.Now().UTC()
	window, err := e.planner.Plan(ctx, loader, now)
	if err != nil {
		appErr := apperror.Wrap(err, apperror.CodeInternal, "plan window")
		_ = e.store.CommitFailure(ctx, loaderCode, appErr)
		return executionOutcome{status: statusFailed, err: appErr}
	}
	if window == nil {
		if err := e.store.CommitIdle(ctx, loaderCode); err != nil {
			return executionOutcome{status: statusFailed, err: err}
		}
		return executionOutcome{status: statusNotDue}
	}

	rows, err := e.runner.Run(ctx, loader, *window)
	if err != nil {
		appErr := toAppError(err, apperror.CodeSourceUnavailable)
		_ = e.store.CommitFailure(ctx, loaderCode, appErr)
		e.publishFailure(ctx, loader, appErr)
		return executionOutcome{status: statusFailed, err: appErr}
	}

	written, err := e.sink.Ingest(ctx, loader, *window, rows, loader.LastLoadTimestamp)
	if err != nil {
		appErr := toAppError(err, apperror.CodeSinkWriteFailed)
		_ = e.store.CommitFailure(ctx, loaderCode, appErr)
		e.publishFailure(ctx, loader, appErr)
		return executionOutcome{status: statusFailed, err: appErr}
	}

	backfillCompleted, err := e.store.CommitSuccess(ctx, loaderCode, window.To, int64(written))
	if err != nil {
		return executionOutcome{status: statusFailed, err: err}
	}

	telemetry.SetAttributes(ctx, telemetry.RowCountAttributes(int64(len(rows)), int64(written))...)
	e.metrics.RecordRows(loaderCode, int64(len(rows)), int64(written))
	e.publish(ctx, activity.NewEvent(activity.KindExecutionSuccess, loaderCode).Records(int64(written)).Build())
	if backfillCompleted {
		e.publish(ctx, activity.NewEvent(activity.KindBackfillCompleted, loaderCode).Records(int64(written)).Build())
	}
	return executionOutcome{status: statusSuccess}
}

// publishFailure publishes EXECUTION_FAILED, and additionally
// BACKFILL_FAILED when loader was mid-backfill, since a failed catch-up
// attempt is itself a distinct lifecycle event spec.md §6 names.
func (e *Executor) publishFailure(ctx context.Context, loader *domain.Loader, appErr *apperror.Error) {
	e.publish(ctx, activity.NewEvent(activity.KindExecutionFailed, loader.LoaderCode).Error(string(appErr.Code), appErr.Message).Build())
	if loader.BackfillUntil != nil {
		e.publish(ctx, activity.NewEvent(activity.KindBackfillFailed, loader.LoaderCode).Error(string(appErr.Code), appErr.Message).Build())
	}
}

// startHeartbeat spawns a goroutine that refreshes the ExecutionLock row
// at e.heartbeatPeriod until the returned stop function is called.
func (e *Executor) startHeartbeat(ctx context.Context, loaderCode string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.store.Heartbeat(ctx, loaderCode); err != nil {
					logger.Warn("heartbeat update failed", "loader_code", loaderCode, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Executor) publish(ctx context.Context, event *activity.Event) {
	if e.activity == nil {
		return
	}
	if err := e.activity.Publish(ctx, event); err != nil {
		logger.Warn("activity publish failed", "error", err)
	}
}

func toAppError(err error, fallback apperror.ErrorCode) *apperror.Error {
	if ae, ok := err.(*apperror.Error); ok {
		return ae
	}
	return apperror.Wrap(err, fallback, "execution failed")
}
