package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/queue/memory"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(context.Background(), memory.NewBackend(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func work(target string, priority int) crawler.WorkItem {
	return crawler.NewWorkItem(target, crawler.WithPriority(priority))
}

func targets(items []crawler.WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Target)
	}
	return out
}

func TestGetServesPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)

	stored, err := q.Put(ctx, []crawler.WorkItem{
		work("p3", 3), work("p1-first", 1), work("p2", 2), work("p1-second", 1),
	})
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, 4, q.Size())

	items, err := q.Get(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, []string{"p1-first", "p1-second", "p2", "p3"}, targets(items))
	require.Zero(t, q.Size())
}

func TestGetReturnsWhatIsAvailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Put(ctx, []crawler.WorkItem{work("a", 1), work("b", 1)})
	require.NoError(t, err)

	items, err := q.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, targets(items))
}

func TestGetContinuesAcrossClasses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Put(ctx, []crawler.WorkItem{work("a", 0), work("b", 4), work("c", 4), work("d", 9)})
	require.NoError(t, err)

	items, err := q.GetNoWait(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, targets(items))

	p, ok := q.LowestPriority()
	require.True(t, ok)
	require.Equal(t, 9, p)
}

func TestGetNoWaitEmpty(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	_, err := q.GetNoWait(context.Background(), 1)
	require.ErrorIs(t, err, queue.ErrEmpty)

	_, ok := q.LowestPriority()
	require.False(t, ok)
}

func TestPutEmptyBatchStoresNothing(t *testing.T) {
	t.Parallel()

	stored, err := newQueue(t).Put(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, stored)
}

func TestPutDropsUnserializableItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)
	bad := crawler.NewWorkItem("bad", crawler.WithExtra(map[string]any{"ch": make(chan int)}))

	stored, err := q.Put(ctx, []crawler.WorkItem{work("good-1", 1), bad, work("good-2", 1)})
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, 2, q.Size())

	stored, err = q.Put(ctx, []crawler.WorkItem{bad})
	require.NoError(t, err)
	require.False(t, stored)
}

func TestGetBlocksUntilPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)
	got := make(chan []crawler.WorkItem, 1)
	go func() {
		items, err := q.Get(ctx, 2)
		if err == nil {
			got <- items
		}
	}()

	select {
	case <-got:
		t.Fatal("get returned before put")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Put(ctx, []crawler.WorkItem{work("late", 2)})
	require.NoError(t, err)

	select {
	case items := <-got:
		require.Equal(t, []string{"late"}, targets(items))
	case <-time.After(time.Second):
		t.Fatal("get did not wake")
	}
}

func TestGetHonorsContext(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSinglePutWakesOneGetter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newQueue(t)

	results := make(chan string, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := q.Get(ctx, 1)
			if err != nil {
				return
			}
			results <- items[0].Target
		}()
	}
	time.Sleep(50 * time.Millisecond)

	_, err := q.Put(ctx, []crawler.WorkItem{work("only", 1)})
	require.NoError(t, err)

	select {
	case target := <-results:
		require.Equal(t, "only", target)
	case <-time.After(time.Second):
		t.Fatal("no getter woke")
	}
	select {
	case target := <-results:
		t.Fatalf("second getter woke with %q", target)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestCloseUnblocksGetters(t *testing.T) {
	t.Parallel()

	q, err := queue.New(context.Background(), memory.NewBackend(), nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background(), 1)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("getter still blocked after close")
	}

	_, err = q.Put(context.Background(), []crawler.WorkItem{work("x", 1)})
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestResumeFromBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.NewBackend()
	q, err := queue.New(ctx, backend, nil)
	require.NoError(t, err)
	_, err = q.Put(ctx, []crawler.WorkItem{work("A", 2), work("B", 2)})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = queue.New(ctx, backend, nil)
	require.NoError(t, err)
	require.Equal(t, 2, q.Size())
	items, err := q.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, targets(items))
}

func TestCleanEmptiesBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.NewBackend()
	q, err := queue.New(ctx, backend, nil)
	require.NoError(t, err)
	_, err = q.Put(ctx, []crawler.WorkItem{work("A", 2)})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	require.NoError(t, queue.Clean(ctx, backend))
	q, err = queue.New(ctx, backend, nil)
	require.NoError(t, err)
	require.Zero(t, q.Size())
}

func TestPutPropagatesPartitionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := queue.New(ctx, failingBackend{err: errors.New("unreachable")}, nil)
	require.NoError(t, err)

	stored, err := q.Put(ctx, []crawler.WorkItem{work("a", 1)})
	require.False(t, stored)
	require.ErrorContains(t, err, "unreachable")
}

func TestConcurrentPutGetKeepsEveryItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newQueue(t)
	const producers, perProducer = 4, 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, _ = q.Put(ctx, []crawler.WorkItem{work("x", (p+i)%3)})
			}
		}(p)
	}

	seen := 0
	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for seen < producers*perProducer {
		items, err := q.Get(deadline, 7)
		require.NoError(t, err)
		seen += len(items)
	}
	wg.Wait()
	require.Zero(t, q.Size())
}

type failingBackend struct {
	err error
}

func (f failingBackend) Open(context.Context, int) (queue.Partition, error) { return nil, f.err }
func (f failingBackend) Discover(context.Context) ([]int, error) { return nil, nil }
func (f failingBackend) Clean(context.Context) error { return nil }
func (f failingBackend) Close() error { return nil }
