package sink

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loaderengine/internal/domain"
	"loaderengine/internal/query"
)

func TestSink_Ingest_WritesRows(t *testing.T) {
	mock, s := newMockSink()
	defer mock.Close()

	ts := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	loader := &domain.Loader{LoaderCode: "ldr-1", PurgeStrategy: domain.PurgeSkipDuplicates}
	rows := []query.Row{
		{"event_timestamp": ts, "amount": 100},
		{"event_timestamp": ts.Add(time.Minute), "amount": 200},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO signal_record").
		WithArgs("ldr-1", ts, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO signal_record").
		WithArgs("ldr-1", ts.Add(time.Minute), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	window := domain.Window{From: ts, To: ts.Add(time.Hour)}
	count, err := s.Ingest(context.Background(), loader, window, rows, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_Ingest_FailOnDuplicateOverlap(t *testing.T) {
	mock, s := newMockSink()
	defer mock.Close()

	watermark := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	loader := &domain.Loader{LoaderCode: "ldr-1", PurgeStrategy: domain.PurgeFailOnDuplicate}
	window := domain.Window{From: watermark.Add(-time.Hour), To: watermark}

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := s.Ingest(context.Background(), loader, window, nil, &watermark)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DUPLICATE_WINDOW")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_Ingest_PurgeAndReloadDeletesFirst(t *testing.T) {
	mock, s := newMockSink()
	defer mock.Close()

	watermark := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	loader := &domain.Loader{LoaderCode: "ldr-1", PurgeStrategy: domain.PurgeAndReload}
	window := domain.Window{From: watermark.Add(-time.Hour), To: watermark}
	rows := []query.Row{{"event_timestamp": watermark.Add(-30 * time.Minute)}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM signal_record").
		WithArgs("ldr-1", window.From, window.To).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO signal_record").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	count, err := s.Ingest(context.Background(), loader, window, rows, &watermark)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_Ingest_SkipDuplicatesDropsOldRows(t *testing.T) {
	mock, s := newMockSink()
	defer mock.Close()

	watermark := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	loader := &domain.Loader{LoaderCode: "ldr-1", PurgeStrategy: domain.PurgeSkipDuplicates}
	window := domain.Window{From: watermark.Add(-time.Hour), To: watermark.Add(time.Hour)}
	rows := []query.Row{
		{"event_timestamp": watermark.Add(-30 * time.Minute)},
		{"event_timestamp": watermark.Add(30 * time.Minute)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO signal_record").
		WithArgs("ldr-1", watermark.Add(30*time.Minute), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	count, err := s.Ingest(context.Background(), loader, window, rows, &watermark)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_Ingest_BackfillPurgeStrategyOverridesResting(t *testing.T) {
	mock, s := newMockSink()
	defer mock.Close()

	watermark := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	until := watermark.Add(time.Hour)
	loader := &domain.Loader{
		LoaderCode:            "ldr-1",
		PurgeStrategy:         domain.PurgeFailOnDuplicate,
		BackfillUntil:         &until,
		BackfillPurgeStrategy: domain.PurgeAndReload,
	}
	window := domain.Window{From: watermark.Add(-time.Hour), To: watermark}
	rows := []query.Row{{"event_timestamp": watermark.Add(-30 * time.Minute)}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM signal_record").
		WithArgs("ldr-1", window.From, window.To).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO signal_record").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	count, err := s.Ingest(context.Background(), loader, window, rows, &watermark)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_Ingest_MissingTimestampColumn(t *testing.T) {
	mock, s := newMockSink()
	defer mock.Close()

	loader := &domain.Loader{LoaderCode: "ldr-1", PurgeStrategy: domain.PurgeSkipDuplicates}
	window := domain.Window{From: time.Now().UTC(), To: time.Now().UTC().Add(time.Hour)}
	rows := []query.Row{{"amount": 100}}

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := s.Ingest(context.Background(), loader, window, rows, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SINK_WRITE_FAILED")
}
