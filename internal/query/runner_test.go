package query

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loaderengine/internal/domain"
	"loaderengine/pkg/secret"
)

type stubLookup struct {
	db     *sql.DB
	dbType domain.DatabaseType
	err    error
}

func (s *stubLookup) Connection(ctx context.Context, sourceCode string) (*sql.DB, domain.DatabaseType, error) {
	return s.db, s.dbType, s.err
}

func newTestBox(t *testing.T) *secret.Box {
	t.Helper()
	box, err := secret.NewBox("test-master-key-for-query-runner-tests")
	require.NoError(t, err)
	return box
}

func encryptedSQL(t *testing.T, box *secret.Box, text string) secret.Ciphertext {
	t.Helper()
	ct, err := box.Encrypt(text)
	require.NoError(t, err)
	return ct
}

func TestRunner_Run_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	box := newTestBox(t)
	loader := &domain.Loader{
		LoaderCode:         "ldr-1",
		SourceCode:         "src-1",
		MaxIntervalSeconds: 60,
		LoaderSQL:          encryptedSQL(t, box, "SELECT id, amount FROM orders WHERE ts BETWEEN :fromTime AND :toTime"),
	}
	window := domain.Window{
		From: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery(`SELECT id, amount FROM orders WHERE ts BETWEEN '2026-07-31 00:00:00'::timestamptz AND '2026-07-31 01:00:00'::timestamptz`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow(1, 100).
			AddRow(2, 200))

	runner := New(&stubLookup{db: db, dbType: domain.DatabasePostgreSQL}, box)
	rows, err := runner.Run(context.Background(), loader, window)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunner_Run_TranslatesWindowToSourceLocalOffset(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	box := newTestBox(t)
	loader := &domain.Loader{
		LoaderCode:                "ldr-3",
		SourceCode:                "src-3",
		MaxIntervalSeconds:        60,
		SourceTimezoneOffsetHours: 5,
		LoaderSQL:                 encryptedSQL(t, box, "SELECT * FROM orders WHERE ts BETWEEN :fromTime AND :toTime"),
	}
	window := domain.Window{
		From: time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery(`SELECT \* FROM orders WHERE ts BETWEEN '2026-07-31 05:00:00'::timestamptz AND '2026-07-31 06:00:00'::timestamptz`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	runner := New(&stubLookup{db: db, dbType: domain.DatabasePostgreSQL}, box)
	_, err = runner.Run(context.Background(), loader, window)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunner_Run_MySQLDialectQuoting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	box := newTestBox(t)
	loader := &domain.Loader{
		LoaderCode:         "ldr-2",
		SourceCode:         "src-2",
		MaxIntervalSeconds: 60,
		LoaderSQL:          encryptedSQL(t, box, "SELECT * FROM events WHERE ts BETWEEN :fromTime AND :toTime"),
	}
	window := domain.Window{
		From: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery(`SELECT \* FROM events WHERE ts BETWEEN '2026-07-31 00:00:00' AND '2026-07-31 01:00:00'`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	runner := New(&stubLookup{db: db, dbType: domain.DatabaseMySQL}, box)
	_, err = runner.Run(context.Background(), loader, window)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunner_Run_SourceUnavailable(t *testing.T) {
	box := newTestBox(t)
	loader := &domain.Loader{SourceCode: "src-1", MaxIntervalSeconds: 60, LoaderSQL: encryptedSQL(t, box, "SELECT 1")}

	runner := New(&stubLookup{err: errors.New("dial tcp: refused")}, box)
	_, err := runner.Run(context.Background(), loader, domain.Window{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_UNAVAILABLE")
}

func TestRunner_Run_SyntaxError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	box := newTestBox(t)
	loader := &domain.Loader{
		SourceCode:         "src-1",
		MaxIntervalSeconds: 60,
		LoaderSQL:          encryptedSQL(t, box, "SELECT FRM orders WHERE ts BETWEEN :fromTime AND :toTime"),
	}

	mock.ExpectQuery(`SELECT FRM orders`).
		WillReturnError(errors.New("pq: syntax error at or near \"FRM\""))

	runner := New(&stubLookup{db: db, dbType: domain.DatabasePostgreSQL}, box)
	_, err = runner.Run(context.Background(), loader, domain.Window{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SQL_SYNTAX")
}

func TestRunner_Run_NoPlaceholdersStillExecutes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	box := newTestBox(t)
	loader := &domain.Loader{
		SourceCode:         "src-1",
		MaxIntervalSeconds: 60,
		LoaderSQL:          encryptedSQL(t, box, "SELECT * FROM orders"),
	}

	mock.ExpectQuery(`SELECT \* FROM orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	runner := New(&stubLookup{db: db, dbType: domain.DatabasePostgreSQL}, box)
	_, err = runner.Run(context.Background(), loader, domain.Window{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
