package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestOpenCreatesPriorityTable(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	b, err := NewWithPool(mock, "frontier")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS frontier_3").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	_, err = b.Open(context.Background(), 3)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushIsTransactional(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	p := &Partition{pool: mock, table: "frontier_1"}
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO frontier_1").
		WithArgs("a", 1, created, 0, []byte("A")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO frontier_1").
		WithArgs("b", 1, created, 0, []byte("B")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.Push(context.Background(), []queue.Record{
		{Target: "a", Priority: 1, CreatedAt: created, Payload: []byte("A")},
		{Target: "b", Priority: 1, CreatedAt: created, Payload: []byte("B")},
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPopSortsReturnedRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	p := &Partition{pool: mock, table: "frontier_1"}
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("DELETE FROM frontier_1").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "target", "priority", "created_at", "retry_count", "payload"}).
			AddRow(int64(9), "b", 1, created, 0, []byte("B")).
			AddRow(int64(4), "a", 1, created, 1, []byte("A")))

	got, err := p.Pop(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Target)
	require.Equal(t, 1, got[0].RetryCount)
	require.Equal(t, "b", got[1].Target)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscoverFiltersTables(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	b, err := NewWithPool(mock, "frontier")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WithArgs("frontier%").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).
			AddRow("frontier_10").
			AddRow("frontier_seen").
			AddRow("frontier_2"))

	got, err := b.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{2, 10}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanDropsTables(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	b, err := NewWithPool(mock, "frontier")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT table_name").
		WithArgs("frontier%").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).AddRow("frontier_1"))
	mock.ExpectExec("DROP TABLE IF EXISTS frontier_1").
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	require.NoError(t, b.Clean(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueuePropagatesBackendUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := newMock(t)
	b, err := NewWithPool(mock, "frontier")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT table_name").
		WithArgs("frontier%").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}))
	q, err := queue.New(ctx, b, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS frontier_1").
		WillReturnError(errors.New("connection refused"))

	stored, err := q.Put(ctx, []crawler.WorkItem{crawler.NewWorkItem("http://example.com", crawler.WithPriority(1))})
	require.False(t, stored)
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesBaseName(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(newMock(t), "drop table;")
	require.ErrorContains(t, err, "invalid table base name")
}
