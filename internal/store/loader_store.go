package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loaderengine/internal/domain"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/database"
)

// LoaderStore persists the loader catalog and drives the state-machine
// transitions of spec.md §4.9, holding the ExecutionLock and Loader row
// mutations inside the single-transaction-per-phase discipline §4.6 and
// §5 require.
type LoaderStore struct {
	db database.DB
}

// NewLoaderStore wraps a database.DB for loader-catalog access.
func NewLoaderStore(db database.DB) *LoaderStore {
	return &LoaderStore{db: db}
}

// GetDue returns every enabled loader currently IDLE or FAILED, ordered per
// spec.md §4.7's tie-breaking rule: failedSince nulls first, then
// lastLoadTimestamp ascending. It is the Scheduler's per-tick eligibility
// scan; due-ness itself is decided by the watermark planner, not here.
func (s *LoaderStore) GetDue(ctx context.Context) ([]*domain.Loader, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+loaderColumns+`
		FROM loader
		WHERE enabled = true AND load_status IN ('IDLE', 'FAILED')
		ORDER BY failed_since NULLS FIRST, last_load_timestamp ASC NULLS FIRST
	`)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "query due loaders")
	}
	defer rows.Close()

	var loaders []*domain.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "scan loader row")
		}
		loaders = append(loaders, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "iterate due loaders")
	}
	return loaders, nil
}

// CountStatus reports the live RUNNING count and enabled count across the
// whole loader catalog, feeding the loader_running_count/
// loader_enabled_count gauges (spec.md §6) — a separate scan from GetDue,
// which only ever returns IDLE/FAILED rows.
func (s *LoaderStore) CountStatus(ctx context.Context) (running, enabled int, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE load_status = 'RUNNING'),
			count(*) FILTER (WHERE enabled = true)
		FROM loader
	`).Scan(&running, &enabled)
	if err != nil {
		return 0, 0, apperror.Wrap(err, apperror.CodeInternal, "count loader statuses")
	}
	return running, enabled, nil
}

// Get fetches a single loader by code.
func (s *LoaderStore) Get(ctx context.Context, loaderCode string) (*domain.Loader, error) {
	row := s.db.QueryRow(ctx, `SELECT `+loaderColumns+` FROM loader WHERE loader_code = $1`, loaderCode)
	l, err := scanLoader(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.CodeNotFound, fmt.Sprintf("loader %q not found", loaderCode))
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "scan loader row")
	}
	return l, nil
}

// GetSourceDatabase fetches the source connection descriptor a loader
// references.
func (s *LoaderStore) GetSourceDatabase(ctx context.Context, sourceCode string) (*domain.SourceDatabase, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceDatabaseColumns+` FROM source_database WHERE source_code = $1`, sourceCode)
	sd, err := scanSourceDatabase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.New(apperror.CodeNotFound, fmt.Sprintf("source database %q not found", sourceCode))
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "scan source database row")
	}
	return sd, nil
}

// AcquireAndTransition is spec.md §4.6 steps 1-2 in one transaction: insert
// the ExecutionLock row for slot 0 (the engine rejects maxParallelExecutions
// > 1, so there is only ever one slot), then row-lock and inspect the Loader.
// If the slot is already held, or the loader is PAUSED/FAILED/disabled, the
// transaction rolls back and acquired is false — the caller aborts quietly,
// exactly as spec.md requires.
func (s *LoaderStore) AcquireAndTransition(ctx context.Context, loaderCode, holderID string) (acquired bool, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, apperror.Wrap(err, apperror.CodeInternal, "begin acquire transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO execution_lock (loader_code, slot, holder_id, acquired_at, heartbeat_at)
		VALUES ($1, 0, $2, $3, $3)
		ON CONFLICT (loader_code, slot) DO NOTHING
	`, loaderCode, holderID, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, apperror.Wrap(err, apperror.CodeInternal, "insert execution lock")
	}
	if tag.RowsAffected() == 0 {
		// Another replica already holds the lock for this loader.
		_ = tx.Rollback(ctx)
		return false, nil
	}

	var status domain.LoadStatus
	var enabled bool
	err = tx.QueryRow(ctx, `SELECT load_status, enabled FROM loader WHERE loader_code = $1 FOR UPDATE`, loaderCode).
		Scan(&status, &enabled)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, apperror.Wrap(err, apperror.CodeInternal, "lock loader row")
	}

	if !enabled || status == domain.StatusPaused || status == domain.StatusFailed {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	_, err = tx.Exec(ctx, `UPDATE loader SET load_status = $1, last_execution_start = $2 WHERE loader_code = $3`,
		domain.StatusRunning, now, loaderCode)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, apperror.Wrap(err, apperror.CodeInternal, "transition loader to running")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, apperror.Wrap(err, apperror.CodeInternal, "commit acquire transaction")
	}
	return true, nil
}

// Heartbeat refreshes the ExecutionLock's heartbeatAt in its own short
// transaction, independent of the execution's main work (spec.md §5).
func (s *LoaderStore) Heartbeat(ctx context.Context, loaderCode string) error {
	_, err := s.db.Exec(ctx, `UPDATE execution_lock SET heartbeat_at = $1 WHERE loader_code = $2 AND slot = 0`,
		time.Now().UTC(), loaderCode)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "update execution lock heartbeat")
	}
	return nil
}

// CommitSuccess advances the watermark to windowTo, resets the transient
// failure streak, updates the zero-record counter, sets the loader back to
// IDLE, and releases its lock — all in the exit-phase transaction spec.md
// §4.6 step 6/7 requires. If the loader was mid-backfill and windowTo has
// caught up to BackfillUntil, it clears the backfill scoping and reports
// backfillCompleted so the caller can publish BACKFILL_COMPLETED.
func (s *LoaderStore) CommitSuccess(ctx context.Context, loaderCode string, windowTo time.Time, rowsIngested int64) (backfillCompleted bool, err error) {
	err = database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		var backfillUntil *time.Time
		if err := tx.QueryRow(ctx, `SELECT backfill_until FROM loader WHERE loader_code = $1 FOR UPDATE`, loaderCode).
			Scan(&backfillUntil); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "read backfill state")
		}
		backfillCompleted = backfillUntil != nil && !windowTo.Before(*backfillUntil)

		zeroRunExpr := "consecutive_zero_record_runs + 1"
		if rowsIngested > 0 {
			zeroRunExpr = "0"
		}

		stmt := fmt.Sprintf(`
			UPDATE loader
			SET load_status = $1,
			    last_load_timestamp = $2,
			    failed_since = NULL,
			    consecutive_transient_failures = 0,
			    consecutive_zero_record_runs = %s`, zeroRunExpr)
		if backfillCompleted {
			stmt += `, backfill_until = NULL, backfill_purge_strategy = NULL`
		}
		stmt += ` WHERE loader_code = $3`

		if _, err := tx.Exec(ctx, stmt, domain.StatusIdle, windowTo, loaderCode); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "commit loader success")
		}
		return releaseLock(ctx, tx, loaderCode)
	})
	return backfillCompleted, err
}

// CommitIdle marks a loader IDLE without advancing the watermark: used when
// the planner finds the loader not yet due.
func (s *LoaderStore) CommitIdle(ctx context.Context, loaderCode string) error {
	return database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE loader SET load_status = $1 WHERE loader_code = $2`, domain.StatusIdle, loaderCode)
		if err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "commit loader idle")
		}
		return releaseLock(ctx, tx, loaderCode)
	})
}

// CommitFailure classifies execErr and applies spec.md §7's retry policy:
// SOURCE_UNAVAILABLE, TIMEOUT, and SINK_WRITE_FAILED are transient and only
// become FAILED after three consecutive occurrences, leaving the loader
// IDLE (eligible for the next tick) below that threshold. Every other code
// is fatal immediately. The watermark is never advanced on failure, and the
// lock is always released.
func (s *LoaderStore) CommitFailure(ctx context.Context, loaderCode string, execErr *apperror.Error) error {
	return database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		if execErr.Retryable() {
			var streak int
			err := tx.QueryRow(ctx, `
				UPDATE loader SET consecutive_transient_failures = consecutive_transient_failures + 1
				WHERE loader_code = $1
				RETURNING consecutive_transient_failures
			`, loaderCode).Scan(&streak)
			if err != nil {
				return apperror.Wrap(err, apperror.CodeInternal, "increment transient failure streak")
			}

			if streak >= 3 {
				_, err = tx.Exec(ctx, `UPDATE loader SET load_status = $1, failed_since = $2 WHERE loader_code = $3`,
					domain.StatusFailed, now, loaderCode)
			} else {
				_, err = tx.Exec(ctx, `UPDATE loader SET load_status = $1 WHERE loader_code = $2`,
					domain.StatusIdle, loaderCode)
			}
			if err != nil {
				return apperror.Wrap(err, apperror.CodeInternal, "commit transient failure")
			}
		} else {
			_, err := tx.Exec(ctx, `
				UPDATE loader
				SET load_status = $1, failed_since = $2, consecutive_transient_failures = 0
				WHERE loader_code = $3
			`, domain.StatusFailed, now, loaderCode)
			if err != nil {
				return apperror.Wrap(err, apperror.CodeInternal, "commit fatal failure")
			}
		}

		return releaseLock(ctx, tx, loaderCode)
	})
}

func releaseLock(ctx context.Context, tx pgx.Tx, loaderCode string) error {
	_, err := tx.Exec(ctx, `DELETE FROM execution_lock WHERE loader_code = $1 AND slot = 0`, loaderCode)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "release execution lock")
	}
	return nil
}

// Pause sets a loader to PAUSED, observed at the next heartbeat/tick
// boundary (spec.md §5 cancellation).
func (s *LoaderStore) Pause(ctx context.Context, loaderCode string) error {
	_, err := s.db.Exec(ctx, `UPDATE loader SET load_status = $1 WHERE loader_code = $2`, domain.StatusPaused, loaderCode)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "pause loader")
	}
	return nil
}

// Resume moves a PAUSED loader back to IDLE.
func (s *LoaderStore) Resume(ctx context.Context, loaderCode string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE loader SET load_status = $1, failed_since = NULL
		WHERE loader_code = $2 AND load_status = $3
	`, domain.StatusIdle, loaderCode, domain.StatusPaused)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "resume loader")
	}
	return nil
}

// ForceNextRun rewinds lastExecutionStart so the planner's cadence check
// treats the loader as due on the next tick regardless of maxIntervalSeconds
// (spec.md §6 admin "force-start").
func (s *LoaderStore) ForceNextRun(ctx context.Context, loaderCode string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE loader SET last_execution_start = last_execution_start - (max_interval_seconds || ' seconds')::interval
		WHERE loader_code = $1
	`, loaderCode)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "force next run")
	}
	return nil
}

// Backfill rewinds the watermark to fromEpoch and scopes the loader to a
// bounded replay up to toEpoch under purge, per spec.md §6: it does not
// touch the loader's resting purge_strategy, only backfill_until/
// backfill_purge_strategy, which the planner and sink consult for as long
// as the backfill is in progress. CommitSuccess clears both once
// lastLoadTimestamp reaches toEpoch. It refuses the rewind when the
// caller did not supply a non-FAIL purge override, per the admin-rewind
// invariant in spec.md §3 (Open Question #2, DESIGN.md).
func (s *LoaderStore) Backfill(ctx context.Context, loaderCode string, fromEpoch, toEpoch time.Time, purge domain.PurgeStrategy) error {
	if purge == domain.PurgeFailOnDuplicate {
		return apperror.New(apperror.CodeInvalidArgument,
			"backfill requires a purge strategy other than FAIL_ON_DUPLICATE")
	}
	if !toEpoch.After(fromEpoch) {
		return apperror.New(apperror.CodeInvalidArgument, "backfill range must have toEpoch after fromEpoch")
	}

	_, err := s.db.Exec(ctx, `
		UPDATE loader
		SET last_load_timestamp = $1, backfill_until = $2, backfill_purge_strategy = $3,
		    load_status = $4, failed_since = NULL
		WHERE loader_code = $5
	`, fromEpoch, toEpoch, purge, domain.StatusIdle, loaderCode)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "rewind watermark for backfill")
	}
	return nil
}

// SeedWatermark persists the planner's initial lookback seed (spec.md §4.3
// step 1) so a crash immediately after seeding cannot cause an unbounded
// replay on restart.
func (s *LoaderStore) SeedWatermark(ctx context.Context, loaderCode string, seed time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE loader SET last_load_timestamp = $1 WHERE loader_code = $2 AND last_load_timestamp IS NULL
	`, seed, loaderCode)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "seed watermark")
	}
	return nil
}
