package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"loaderengine/internal/domain"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/database"
)

// LockStore implements the Recovery Sweeper's two reaping rules (spec.md
// §4.8). Outside this type, only LoaderStore mutates ExecutionLock rows
// (AcquireAndTransition, Heartbeat, and the lock release in its commits).
type LockStore struct {
	db database.DB
}

// NewLockStore wraps a database.DB for sweeper access.
func NewLockStore(db database.DB) *LockStore {
	return &LockStore{db: db}
}

// ReapStaleLocks deletes any ExecutionLock whose heartbeat is older than
// staleThreshold and, for each one, sets the corresponding loader to FAILED
// if it is still RUNNING. It returns the loader codes reaped.
func (l *LockStore) ReapStaleLocks(ctx context.Context, staleThreshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)

	var reaped []string
	err := database.WithTransaction(ctx, l.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM execution_lock
			WHERE heartbeat_at < $1
			RETURNING loader_code
		`, cutoff)
		if err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "delete stale execution locks")
		}
		defer rows.Close()

		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				return apperror.Wrap(err, apperror.CodeInternal, "scan reaped loader code")
			}
			reaped = append(reaped, code)
		}
		if err := rows.Err(); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "iterate reaped locks")
		}

		for _, code := range reaped {
			_, err := tx.Exec(ctx, `
				UPDATE loader SET load_status = $1, failed_since = $2
				WHERE loader_code = $3 AND load_status = $4
			`, domain.StatusFailed, time.Now().UTC(), code, domain.StatusRunning)
			if err != nil {
				return apperror.Wrap(err, apperror.CodeInternal, "fail loader with reaped lock")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// RecoverGraceExpired moves every FAILED loader whose failedSince predates
// now-grace back to IDLE, clearing failedSince, making it eligible for
// scheduling again.
func (l *LockStore) RecoverGraceExpired(ctx context.Context, grace time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-grace)

	rows, err := l.db.Query(ctx, `
		UPDATE loader
		SET load_status = $1, failed_since = NULL
		WHERE load_status = $2 AND failed_since < $3
		RETURNING loader_code
	`, domain.StatusIdle, domain.StatusFailed, cutoff)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "recover grace-expired loaders")
	}
	defer rows.Close()

	var recovered []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "scan recovered loader code")
		}
		recovered = append(recovered, code)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "iterate recovered loaders")
	}
	return recovered, nil
}
