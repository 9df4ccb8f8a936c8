package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loaderengine/internal/domain"
)

func TestLockStore_ReapStaleLocks(t *testing.T) {
	mock, store := newMockLockStore()
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM execution_lock").
		WillReturnRows(pgxmock.NewRows([]string{"loader_code"}).AddRow("orders-hourly"))
	mock.ExpectExec("UPDATE loader SET load_status").
		WithArgs(domain.StatusFailed, pgxmock.AnyArg(), "orders-hourly", domain.StatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	reaped, err := store.ReapStaleLocks(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-hourly"}, reaped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockStore_ReapStaleLocks_NoneStale(t *testing.T) {
	mock, store := newMockLockStore()
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM execution_lock").
		WillReturnRows(pgxmock.NewRows([]string{"loader_code"}))
	mock.ExpectCommit()

	reaped, err := store.ReapStaleLocks(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reaped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockStore_RecoverGraceExpired(t *testing.T) {
	mock, store := newMockLockStore()
	defer mock.Close()

	mock.ExpectQuery("UPDATE loader").
		WillReturnRows(pgxmock.NewRows([]string{"loader_code"}).AddRow("orders-hourly"))

	recovered, err := store.RecoverGraceExpired(context.Background(), 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-hourly"}, recovered)
	assert.NoError(t, mock.ExpectationsWereMet())
}
