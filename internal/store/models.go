package store

import (
	"time"

	"github.com/jackc/pgx/v5"

	"loaderengine/internal/domain"
	"loaderengine/pkg/secret"
)

// scanLoader scans one row of the loader table into a domain.Loader.
func scanLoader(row pgx.Row) (*domain.Loader, error) {
	var l domain.Loader
	var loaderSQL, sourceCode string
	var backfillPurgeStrategy *domain.PurgeStrategy
	var lastLoad, lastExecStart, failedSince, backfillUntil *time.Time

	err := row.Scan(
		&l.LoaderCode,
		&loaderSQL,
		&l.MinIntervalSeconds,
		&l.MaxIntervalSeconds,
		&l.MaxQueryPeriodSeconds,
		&l.MaxParallelExecutions,
		&l.SourceTimezoneOffsetHours,
		&l.AggregationPeriodSeconds,
		&l.PurgeStrategy,
		&l.Enabled,
		&l.LoadStatus,
		&lastLoad,
		&lastExecStart,
		&failedSince,
		&l.ConsecutiveZeroRecordRuns,
		&l.ConsecutiveTransientFailures,
		&sourceCode,
		&backfillUntil,
		&backfillPurgeStrategy,
	)
	if err != nil {
		return nil, err
	}

	l.LoaderSQL = secret.Ciphertext(loaderSQL)
	l.SourceCode = sourceCode
	l.LastLoadTimestamp = lastLoad
	l.LastExecutionStart = lastExecStart
	l.FailedSince = failedSince
	l.BackfillUntil = backfillUntil
	if backfillPurgeStrategy != nil {
		l.BackfillPurgeStrategy = *backfillPurgeStrategy
	}
	return &l, nil
}

const loaderColumns = `
	loader_code, loader_sql, min_interval_seconds, max_interval_seconds,
	max_query_period_seconds, max_parallel_executions,
	source_timezone_offset_hours, aggregation_period_seconds,
	purge_strategy, enabled, load_status, last_load_timestamp,
	last_execution_start, failed_since, consecutive_zero_record_runs,
	consecutive_transient_failures, source_code, backfill_until,
	backfill_purge_strategy`

// scanSourceDatabase scans one row of the source_database table.
func scanSourceDatabase(row pgx.Row) (*domain.SourceDatabase, error) {
	var sd domain.SourceDatabase
	var password string

	err := row.Scan(&sd.SourceCode, &sd.Host, &sd.Port, &sd.Database, &sd.Type, &sd.Username, &password)
	if err != nil {
		return nil, err
	}
	sd.Password = secret.Ciphertext(password)
	return &sd, nil
}

const sourceDatabaseColumns = `source_code, host, port, database, type, username, password`
