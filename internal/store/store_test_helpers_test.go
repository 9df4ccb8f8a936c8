package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
)

// pgxMockAdapter satisfies database.DB over a pgxmock pool, the same
// adapter shape used for the engine's own repository tests.
type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() {
	a.mock.Close()
}

func (a *pgxMockAdapter) Ping(ctx context.Context) error {
	return a.mock.Ping(ctx)
}

func newMockLoaderStore() (pgxmock.PgxPoolIface, *LoaderStore) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		panic(err)
	}
	return mock, NewLoaderStore(&pgxMockAdapter{mock: mock})
}

func newMockLockStore() (pgxmock.PgxPoolIface, *LockStore) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		panic(err)
	}
	return mock, NewLockStore(&pgxMockAdapter{mock: mock})
}
