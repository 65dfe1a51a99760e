// Package queue implements a durable priority queue of work items.
//
// Items are partitioned by priority into one Partition per priority class.
// Get serves the lowest priority first and FIFO within a class, continuing
// into the next class until the requested count is met. Partitions are
// opened lazily on first insert and dropped once drained.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

var (
	// ErrEmpty is returned by GetNoWait when nothing is queued.
	ErrEmpty = errors.New("queue empty")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue closed")
)

// Record is the durable form of a work item.
type Record struct {
	ID         int64
	Target     string
	Priority   int
	CreatedAt  time.Time
	RetryCount int
	Payload    []byte
}

// Partition stores the records of one priority class in insertion order.
// Push and Pop must each be atomic against the durable store.
type Partition interface {
	Push(ctx context.Context, records []Record) error
	Pop(ctx context.Context, n int) ([]Record, error)
	Len(ctx context.Context) (int, error)
	Close() error
	// Drop closes the partition and deletes its durable storage.
	Drop(ctx context.Context) error
}

// Backend opens partitions and manages their durable namespace.
type Backend interface {
	Open(ctx context.Context, priority int) (Partition, error)
	// Discover lists the priorities that already have durable storage.
	Discover(ctx context.Context) ([]int, error)
	// Clean deletes every partition's durable storage.
	Clean(ctx context.Context) error
	Close() error
}

type class struct {
	store Partition
	count int
}

// Queue is a priority queue over a Backend. It is safe for concurrent use.
type Queue struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	classes map[int]*class
	order   []int
	size    int
	waiters list.List
	closed  bool
}

// New opens a Queue and reloads any partitions the backend already holds.
func New(ctx context.Context, backend Backend, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		backend: backend,
		logger:  logger,
		classes: make(map[int]*class),
	}
	priorities, err := backend.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover partitions: %w", err)
	}
	for _, p := range priorities {
		store, err := backend.Open(ctx, p)
		if err != nil {
			q.closeAll()
			return nil, fmt.Errorf("open partition %d: %w", p, err)
		}
		n, err := store.Len(ctx)
		if err != nil {
			_ = store.Close()
			q.closeAll()
			return nil, fmt.Errorf("count partition %d: %w", p, err)
		}
		if n == 0 {
			if err := store.Drop(ctx); err != nil {
				logger.Warn("drop empty partition", zap.Int("priority", p), zap.Error(err))
			}
			continue
		}
		q.insertClassLocked(p, &class{store: store, count: n})
		q.size += n
		logger.Info("resumed partition", zap.Int("priority", p), zap.Int("items", n))
	}
	metrics.SetQueueSize(q.size)
	return q, nil
}

// Clean destroys all durable state held by backend.
func Clean(ctx context.Context, backend Backend) error {
	if err := backend.Clean(ctx); err != nil {
		return fmt.Errorf("clean queue: %w", err)
	}
	return nil
}

// Put stores items, grouped by priority, one write per partition. Items that
// cannot be encoded are logged and dropped. It reports whether anything was
// stored; a store failure is returned after waking a getter for whatever was
// stored before it.
func (q *Queue) Put(ctx context.Context, items []crawler.WorkItem) (bool, error) {
	batches := make(map[int][]Record)
	var priorities []int
	for _, item := range items {
		payload, err := crawler.EncodeItem(item)
		if err != nil {
			q.logger.Error("drop unserializable item",
				zap.String("target", item.Target),
				zap.Int("priority", item.Priority),
				zap.Error(err),
			)
			metrics.ObserveQueueDrop("encode")
			continue
		}
		if _, ok := batches[item.Priority]; !ok {
			priorities = append(priorities, item.Priority)
		}
		batches[item.Priority] = append(batches[item.Priority], Record{
			Target:     item.Target,
			Priority:   item.Priority,
			CreatedAt:  item.CreatedAt,
			RetryCount: item.RetryCount,
			Payload:    payload,
		})
	}
	if len(priorities) == 0 {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	stored := 0
	defer func() {
		if stored > 0 {
			metrics.ObserveQueuePut(stored)
			metrics.SetQueueSize(q.size)
			q.wakeOneLocked()
		}
	}()
	for _, p := range priorities {
		c, err := q.classLocked(ctx, p)
		if err != nil {
			return stored > 0, err
		}
		records := batches[p]
		if err := c.store.Push(ctx, records); err != nil {
			return stored > 0, fmt.Errorf("put priority %d: %w", p, err)
		}
		c.count += len(records)
		q.size += len(records)
		stored += len(records)
	}
	return true, nil
}

// Get blocks until at least one item is queued, then returns up to count
// items in priority order.
func (q *Queue) Get(ctx context.Context, count int) ([]crawler.WorkItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.size > 0 {
			items, err := q.popLocked(ctx, count)
			if q.size > 0 {
				// Leftovers belong to the next waiter.
				q.wakeOneLocked()
			}
			q.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if len(items) > 0 {
				return items, nil
			}
			continue
		}

		wake := make(chan struct{}, 1)
		elem := q.waiters.PushBack(wake)
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			q.mu.Lock()
			q.waiters.Remove(elem)
			select {
			case <-wake:
				q.wakeOneLocked()
			default:
			}
			q.mu.Unlock()
			return nil, fmt.Errorf("get canceled: %w", ctx.Err())
		}
	}
}

// GetNoWait returns up to count items or ErrEmpty.
func (q *Queue) GetNoWait(ctx context.Context, count int) ([]crawler.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.size == 0 {
		return nil, ErrEmpty
	}
	items, err := q.popLocked(ctx, count)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	return items, nil
}

// Size returns the number of queued items across all priorities.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// LowestPriority returns the smallest priority holding items.
func (q *Queue) LowestPriority() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.order {
		if q.classes[p].count > 0 {
			return p, true
		}
	}
	return 0, false
}

// Close releases every partition. Empty partitions are dropped; the rest
// persist for resume. Blocked getters return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for q.waiters.Len() > 0 {
		q.wakeOneLocked()
	}

	errs := q.closeAll()
	if err := q.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}

func (q *Queue) closeAll() []error {
	var errs []error
	for _, p := range q.order {
		c := q.classes[p]
		if c.count == 0 {
			if err := c.store.Drop(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("drop partition %d: %w", p, err))
			}
			continue
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close partition %d: %w", p, err))
		}
	}
	q.classes = make(map[int]*class)
	q.order = nil
	return errs
}

func (q *Queue) classLocked(ctx context.Context, priority int) (*class, error) {
	if c, ok := q.classes[priority]; ok {
		return c, nil
	}
	store, err := q.backend.Open(ctx, priority)
	if err != nil {
		return nil, fmt.Errorf("open partition %d: %w", priority, err)
	}
	c := &class{store: store}
	q.insertClassLocked(priority, c)
	q.logger.Debug("opened partition", zap.Int("priority", priority))
	return c, nil
}

func (q *Queue) insertClassLocked(priority int, c *class) {
	q.classes[priority] = c
	i := sort.SearchInts(q.order, priority)
	q.order = append(q.order, 0)
	copy(q.order[i+1:], q.order[i:])
	q.order[i] = priority
}

func (q *Queue) evictLocked(ctx context.Context, priority int) {
	c, ok := q.classes[priority]
	if !ok {
		return
	}
	delete(q.classes, priority)
	i := sort.SearchInts(q.order, priority)
	q.order = append(q.order[:i], q.order[i+1:]...)
	if err := c.store.Drop(ctx); err != nil {
		q.logger.Warn("drop drained partition", zap.Int("priority", priority), zap.Error(err))
	}
}

// popLocked takes up to count items, lowest priority first, crossing into
// higher classes as each drains.
func (q *Queue) popLocked(ctx context.Context, count int) ([]crawler.WorkItem, error) {
	if count <= 0 {
		count = 1
	}
	var out []crawler.WorkItem
	for _, p := range append([]int(nil), q.order...) {
		if len(out) >= count {
			break
		}
		c := q.classes[p]
		records, err := c.store.Pop(ctx, count-len(out))
		if err != nil {
			if len(out) > 0 {
				q.logger.Error("partial get", zap.Int("priority", p), zap.Error(err))
				break
			}
			return nil, fmt.Errorf("get priority %d: %w", p, err)
		}
		if len(records) < count-len(out) {
			// The store is drained even if our count disagrees.
			q.size -= c.count - len(records)
			c.count = len(records)
		}
		c.count -= len(records)
		q.size -= len(records)
		for _, rec := range records {
			item, err := crawler.DecodeItem(rec.Payload)
			if err != nil {
				q.logger.Error("drop undecodable record",
					zap.String("target", rec.Target),
					zap.Int("priority", p),
					zap.Error(err),
				)
				metrics.ObserveQueueDrop("decode")
				continue
			}
			out = append(out, item)
		}
		if c.count <= 0 {
			q.evictLocked(ctx, p)
		}
	}
	metrics.ObserveQueueGet(len(out))
	metrics.SetQueueSize(q.size)
	return out, nil
}

func (q *Queue) wakeOneLocked() {
	front := q.waiters.Front()
	if front == nil {
		return
	}
	q.waiters.Remove(front)
	front.Value.(chan struct{}) <- struct{}{}
}
