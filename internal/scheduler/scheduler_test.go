package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/filter"
	filtermem "github.com/JakeFAU/crawl-frontier/internal/filter/memory"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	queuemem "github.com/JakeFAU/crawl-frontier/internal/queue/memory"
)

func newScheduler(t *testing.T, batch int) (*Scheduler, *queue.Queue) {
	t.Helper()
	q, err := queue.New(context.Background(), queuemem.NewBackend(), zap.NewNop())
	require.NoError(t, err)
	f := filter.New(filter.Config{}, filtermem.New(), zap.NewNop())
	s := New(f, q, Config{BatchSize: batch}, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s, q
}

func item(target string, priority int, opts ...crawler.ItemOption) crawler.WorkItem {
	return crawler.NewWorkItem(target, append([]crawler.ItemOption{crawler.WithPriority(priority)}, opts...)...)
}

func TestSubmitFiltersDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, q := newScheduler(t, 4)

	n, err := s.Submit(ctx, item("http://example.com/a", 1), item("http://example.com/a/", 1))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.Submit(ctx, item("http://example.com/a", 1))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, q.Size())
}

func TestSubmitBypassSkipsFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, q := newScheduler(t, 4)

	_, err := s.Submit(ctx, item("http://example.com/a", 1))
	require.NoError(t, err)
	n, err := s.Submit(ctx,
		item("http://example.com/a", 1, crawler.WithBypass()),
		item("ftp://example.com/a", 1, crawler.WithBypass()),
	)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 3, q.Size())
}

type brokenFilter struct{}

func (brokenFilter) Allowed(context.Context, crawler.WorkItem) (bool, error) {
	return false, errors.New("store unreachable")
}

func (brokenFilter) Close() error { return nil }

func TestSubmitPropagatesFilterErrors(t *testing.T) {
	t.Parallel()

	q, err := queue.New(context.Background(), queuemem.NewBackend(), nil)
	require.NoError(t, err)
	s := New(brokenFilter{}, q, Config{}, nil)
	defer func() { _ = s.Close() }()

	_, err = s.Submit(context.Background(), item("http://example.com/a", 1))
	require.ErrorContains(t, err, "store unreachable")
	require.Zero(t, q.Size())
}

// flakySeenStore fails every Seen call after the first failAfter.
type flakySeenStore struct {
	*filtermem.Store
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *flakySeenStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls > f.failAfter
	f.mu.Unlock()
	if fail {
		return false, errors.New("backend unavailable")
	}
	return f.Store.Seen(ctx, fingerprint)
}

func TestSubmitQueuesItemsAdmittedBeforeFilterError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := queue.New(ctx, queuemem.NewBackend(), nil)
	require.NoError(t, err)
	store := &flakySeenStore{Store: filtermem.New(), failAfter: 1}
	s := New(filter.New(filter.Config{}, store, nil), q, Config{}, nil)
	defer func() { _ = s.Close() }()

	n, err := s.Submit(ctx, item("http://example.com/a", 1), item("http://example.com/b", 1))
	require.ErrorContains(t, err, "admit http://example.com/b")
	require.ErrorContains(t, err, "backend unavailable")
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.Size())

	got, err := s.Next(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "http://example.com/a", got.Target)
}

func TestNextServesPriorityOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newScheduler(t, 2)

	_, err := s.Submit(ctx,
		item("http://example.com/p3", 3),
		item("http://example.com/p1a", 1),
		item("http://example.com/p2", 2),
		item("http://example.com/p1b", 1),
	)
	require.NoError(t, err)

	var got []string
	for range 4 {
		it, err := s.Next(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, it.Target)
	}
	require.Equal(t, []string{
		"http://example.com/p1a",
		"http://example.com/p1b",
		"http://example.com/p2",
		"http://example.com/p3",
	}, got)
	require.True(t, s.IsDrained())
}

func TestNextPrefersUrgentWorkOverCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newScheduler(t, 8)

	_, err := s.Submit(ctx, item("http://example.com/a", 5), item("http://example.com/b", 5))
	require.NoError(t, err)

	first, err := s.Next(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "http://example.com/a", first.Target)
	require.Equal(t, 1, s.Cached())

	_, err = s.Submit(ctx, item("http://example.com/urgent", 1), item("http://example.com/later", 5))
	require.NoError(t, err)

	var got []string
	for range 3 {
		it, err := s.Next(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, it.Target)
	}
	require.Equal(t, []string{
		"http://example.com/urgent",
		"http://example.com/b",
		"http://example.com/later",
	}, got)
}

func TestNextTimesOutWithErrEmpty(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t, 4)

	start := time.Now()
	_, err := s.Next(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = s.Next(context.Background(), 0)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestNextReturnsCancellation(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrEmpty)
}

func TestNextWakesOnSubmit(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t, 4)
	done := make(chan crawler.WorkItem, 1)
	go func() {
		it, err := s.Next(context.Background(), 5*time.Second)
		if err == nil {
			done <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.Submit(context.Background(), item("http://example.com/late", 2))
	require.NoError(t, err)

	select {
	case it := <-done:
		require.Equal(t, "http://example.com/late", it.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestIsDrainedCountsCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, q := newScheduler(t, 4)
	require.True(t, s.IsDrained())

	_, err := s.Submit(ctx, item("http://example.com/a", 1), item("http://example.com/b", 1))
	require.NoError(t, err)
	_, err = s.Next(ctx, time.Second)
	require.NoError(t, err)

	require.Zero(t, q.Size())
	require.Equal(t, 1, s.Cached())
	require.False(t, s.IsDrained())

	_, err = s.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, s.IsDrained())
}

func TestCloseRequeuesCacheAndIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := queuemem.NewBackend()
	q, err := queue.New(ctx, backend, nil)
	require.NoError(t, err)
	s := New(filter.New(filter.Config{}, filtermem.New(), nil), q, Config{BatchSize: 4}, nil)

	_, err = s.Submit(ctx, item("http://example.com/a", 1), item("http://example.com/b", 1))
	require.NoError(t, err)
	_, err = s.Next(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	reopened, err := queue.New(ctx, backend, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	require.Equal(t, 1, reopened.Size())
}
