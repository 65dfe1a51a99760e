package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS seen_urls").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	store, err := NewWithPool(context.Background(), mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestStoreSeen(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("fp-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := store.Seen(context.Background(), "fp-1")
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkSeen(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO seen_urls").
		WithArgs("fp-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.MarkSeen(context.Background(), "fp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePropagatesBackendErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("fp-1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Seen(context.Background(), "fp-1")
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(context.Background(), mock, "bad-name;")
	require.ErrorContains(t, err, "invalid table name")
}

func TestCleanDropsTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DROP TABLE IF EXISTS frontier_seen").
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	require.NoError(t, cleanWithPool(context.Background(), mock, "frontier_seen"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}
