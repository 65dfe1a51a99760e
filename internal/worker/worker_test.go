package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(_ context.Context, item crawler.WorkItem) (crawler.Response, error) {
	args := m.Called(item.Target)
	return args.Get(0).(crawler.Response), args.Error(1)
}

type fakeCoordinator struct {
	mu        sync.Mutex
	submitted []crawler.WorkItem
	idle      int
	completed int
	submitErr error
	done      chan struct{}
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{done: make(chan struct{}, 16)}
}

func (c *fakeCoordinator) Submit(_ context.Context, items ...crawler.WorkItem) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return 0, c.submitErr
	}
	c.submitted = append(c.submitted, items...)
	return len(items), nil
}

func (c *fakeCoordinator) RegisterIdle(crawler.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle++
}

func (c *fakeCoordinator) Completed(crawler.Slot) {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *fakeCoordinator) snapshot() ([]crawler.WorkItem, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.WorkItem(nil), c.submitted...), c.idle, c.completed
}

type instantRetry struct {
	max int
}

func (p instantRetry) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt <= p.max
}

func (instantRetry) Backoff(int) time.Duration { return 0 }

func newTestWorker(t *testing.T, fetcher crawler.Fetcher, parser crawler.Parser, maxRetries int) (*Worker, *fakeCoordinator) {
	t.Helper()
	reg := NewRegistry()
	reg.RegisterFetcher("", fetcher)
	reg.RegisterParser("", parser)
	pool, err := NewPool(reg, Config{}, zap.NewNop())
	require.NoError(t, err)
	pool.WithRetryPolicy(instantRetry{max: maxRetries})

	coord := newFakeCoordinator()
	slot, err := pool.NewSlot("worker-1", coord)
	require.NoError(t, err)
	return slot.(*Worker), coord
}

func noLinks(context.Context, crawler.Response) ([]crawler.WorkItem, error) {
	return nil, nil
}

func TestProcessSubmitsParsedItems(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/a").Return(crawler.Response{
		URL:        "http://example.com/a",
		StatusCode: http.StatusOK,
		Body:       []byte("<html></html>"),
	}, nil).Once()
	parser := crawler.ParserFunc(func(_ context.Context, resp crawler.Response) ([]crawler.WorkItem, error) {
		require.Equal(t, "http://example.com/a", resp.URL)
		return []crawler.WorkItem{
			crawler.NewWorkItem("http://example.com/b"),
			crawler.NewWorkItem("http://example.com/c", crawler.WithHandlers("", "missing")),
		}, nil
	})
	w, coord := newTestWorker(t, fetcher, parser, 0)

	w.process(context.Background(), crawler.NewWorkItem("http://example.com/a"))

	submitted, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
	require.Len(t, submitted, 1)
	require.Equal(t, "http://example.com/b", submitted[0].Target)
	require.False(t, submitted[0].AdmissionBypass)
	fetcher.AssertExpectations(t)
}

func TestProcessFollowsRedirect(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/old").Return(crawler.Response{
		URL:        "http://example.com/old",
		StatusCode: http.StatusMovedPermanently,
		Location:   "http://example.com/new",
	}, nil)
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 0)

	item := crawler.NewWorkItem("http://example.com/old", crawler.WithPriority(2))
	w.process(context.Background(), item)

	submitted, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
	require.Len(t, submitted, 1)
	require.Equal(t, "http://example.com/new", submitted[0].Target)
	require.Equal(t, 1, submitted[0].RedirectCount)
	require.Equal(t, 2, submitted[0].Priority)
	require.False(t, submitted[0].AdmissionBypass)
}

func TestProcessRetriesFailedFetch(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/flaky").Return(crawler.Response{}, errors.New("connection reset"))
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 2)

	w.process(context.Background(), crawler.NewWorkItem("http://example.com/flaky"))

	submitted, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
	require.Len(t, submitted, 1)
	require.Equal(t, 1, submitted[0].RetryCount)
	require.True(t, submitted[0].AdmissionBypass)
}

func TestProcessGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/down").Return(crawler.Response{}, errors.New("503"))
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 2)

	item := crawler.NewWorkItem("http://example.com/down")
	item.RetryCount = 2
	w.process(context.Background(), item)

	submitted, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
	require.Empty(t, submitted)
}

func TestProcessResubmitsWhenCancelled(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.process(ctx, crawler.NewWorkItem("http://example.com/a"))

	submitted, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
	require.Len(t, submitted, 1)
	require.True(t, submitted[0].AdmissionBypass)
	require.Zero(t, submitted[0].RetryCount)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything)
}

func TestProcessResubmitsCancelledFetch(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/slow").Return(crawler.Response{}, context.Canceled)
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 0)

	w.process(context.Background(), crawler.NewWorkItem("http://example.com/slow"))

	submitted, _, _ := coord.snapshot()
	require.Len(t, submitted, 1)
	require.True(t, submitted[0].AdmissionBypass)
}

func TestProcessReportsCompletionOnPanic(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/a").Return(crawler.Response{StatusCode: http.StatusOK}, nil)
	parser := crawler.ParserFunc(func(context.Context, crawler.Response) ([]crawler.WorkItem, error) {
		panic("bad markup")
	})
	w, coord := newTestWorker(t, fetcher, parser, 0)

	require.NotPanics(t, func() {
		w.process(context.Background(), crawler.NewWorkItem("http://example.com/a"))
	})
	_, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
}

func TestProcessLogsSubmitFailure(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/a").Return(crawler.Response{StatusCode: http.StatusOK}, nil)
	parser := crawler.ParserFunc(func(context.Context, crawler.Response) ([]crawler.WorkItem, error) {
		return []crawler.WorkItem{crawler.NewWorkItem("http://example.com/b")}, nil
	})
	w, coord := newTestWorker(t, fetcher, parser, 0)
	coord.submitErr = errors.New("queue closed")

	w.process(context.Background(), crawler.NewWorkItem("http://example.com/a"))
	_, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
}

func TestRunRegistersIdleAndStops(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/a").Return(crawler.Response{StatusCode: http.StatusOK}, nil)
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 0)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	require.NoError(t, w.Deliver(crawler.NewWorkItem("http://example.com/a")))
	select {
	case <-coord.done:
	case <-time.After(2 * time.Second):
		t.Fatal("item was not processed")
	}

	w.Stop()
	w.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	_, idle, completed := coord.snapshot()
	require.Equal(t, 1, idle)
	require.Equal(t, 1, completed)
}

func TestRunProcessesDeliveredItemBeforeStopping(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", "http://example.com/a").Return(crawler.Response{StatusCode: http.StatusOK}, nil)
	w, coord := newTestWorker(t, fetcher, crawler.ParserFunc(noLinks), 0)

	require.NoError(t, w.Deliver(crawler.NewWorkItem("http://example.com/a")))
	w.Stop()
	require.NoError(t, w.Run(context.Background()))

	_, _, completed := coord.snapshot()
	require.Equal(t, 1, completed)
	fetcher.AssertExpectations(t)
}

func TestDeliverRejectsWhenBusy(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker(t, &mockFetcher{}, crawler.ParserFunc(noLinks), 0)
	require.NoError(t, w.Deliver(crawler.NewWorkItem("http://example.com/a")))
	require.ErrorIs(t, w.Deliver(crawler.NewWorkItem("http://example.com/b")), ErrBusy)
	require.Equal(t, "worker-1", w.Name())
}
