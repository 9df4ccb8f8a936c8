// Package sink implements the Ingestion Sink (spec.md §4.5): writes a
// run's materialized rows into the engine's signal_record table,
// normalizing timestamps and honoring the loader's purge strategy when a
// window overlaps already-ingested territory.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"loaderengine/internal/domain"
	"loaderengine/internal/query"
	"loaderengine/pkg/apperror"
	"loaderengine/pkg/database"
)

// Sink writes Query Runner output to the signal store.
type Sink struct {
	db database.DB
}

// New creates a Sink over the engine's own database connection.
func New(db database.DB) *Sink {
	return &Sink{db: db}
}

// Ingest normalizes and writes rows for loader's window, returning the
// count of rows written. It honors loader.EffectivePurgeStrategy() (the
// backfill-scoped override while a backfill is in progress, otherwise the
// loader's resting strategy) when window.From is behind previousWatermark
// (an overlap with already-ingested territory).
func (s *Sink) Ingest(ctx context.Context, loader *domain.Loader, window domain.Window, rows []query.Row, previousWatermark *time.Time) (int, error) {
	overlap := previousWatermark != nil && window.From.Before(*previousWatermark)
	purge := loader.EffectivePurgeStrategy()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, apperror.Wrap(err, apperror.CodeSinkWriteFailed, "begin sink transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if overlap {
		switch purge {
		case domain.PurgeFailOnDuplicate:
			return 0, apperror.New(apperror.CodeDuplicateWindow,
				"window overlaps already-ingested territory and purgeStrategy is FAIL_ON_DUPLICATE")
		case domain.PurgeAndReload:
			if _, err := tx.Exec(ctx,
				`DELETE FROM signal_record WHERE loader_code = $1 AND event_timestamp >= $2 AND event_timestamp <= $3`,
				loader.LoaderCode, window.From, window.To); err != nil {
				return 0, apperror.Wrap(err, apperror.CodeSinkWriteFailed, "purge overlapping signal records")
			}
		case domain.PurgeSkipDuplicates:
			// handled per-row below via the previousWatermark cutoff
		}
	}

	offset := time.Duration(loader.SourceTimezoneOffsetHours) * time.Hour
	written := 0
	for _, row := range rows {
		ts, err := normalizedTimestamp(row, offset)
		if err != nil {
			return 0, apperror.Wrap(err, apperror.CodeSinkWriteFailed, "normalize row timestamp")
		}
		if overlap && purge == domain.PurgeSkipDuplicates && !ts.After(*previousWatermark) {
			continue
		}

		payload, err := json.Marshal(row)
		if err != nil {
			return 0, apperror.Wrap(err, apperror.CodeSinkWriteFailed, "marshal row payload")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO signal_record (loader_code, event_timestamp, payload) VALUES ($1, $2, $3)`,
			loader.LoaderCode, ts, payload); err != nil {
			return 0, apperror.Wrap(err, apperror.CodeSinkWriteFailed, "insert signal record")
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperror.Wrap(err, apperror.CodeSinkWriteFailed, "commit sink transaction")
	}
	committed = true
	return written, nil
}

// normalizedTimestamp extracts a row's event timestamp and adds the
// loader's source timezone offset, converting source-local to UTC per
// spec.md §4.5.
func normalizedTimestamp(row query.Row, offset time.Duration) (time.Time, error) {
	raw, ok := row["event_timestamp"]
	if !ok {
		for key, v := range row {
			if t, ok := v.(time.Time); ok && isLikelyTimestampColumn(key) {
				raw = t
				break
			}
		}
	}
	t, ok := raw.(time.Time)
	if !ok {
		return time.Time{}, apperror.New(apperror.CodeSinkWriteFailed, "row has no event_timestamp column")
	}
	return t.Add(offset), nil
}

func isLikelyTimestampColumn(name string) bool {
	switch name {
	case "ts", "timestamp", "event_time", "occurred_at":
		return true
	default:
		return false
	}
}
