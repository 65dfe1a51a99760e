// Package scheduler composes the admission filter and the priority queue
// behind a single submit/next contract.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

// DefaultBatchSize is the lookahead refill size used when Config leaves it unset.
const DefaultBatchSize = 16

// ErrEmpty is returned by Next when no work arrived before the timeout.
var ErrEmpty = errors.New("scheduler: no work available")

// Admitter decides whether an item is new, policy-valid work.
type Admitter interface {
	Allowed(ctx context.Context, item crawler.WorkItem) (bool, error)
	Close() error
}

// Queue is the durable store behind the scheduler.
type Queue interface {
	Put(ctx context.Context, items []crawler.WorkItem) (bool, error)
	Get(ctx context.Context, count int) ([]crawler.WorkItem, error)
	GetNoWait(ctx context.Context, count int) ([]crawler.WorkItem, error)
	Size() int
	LowestPriority() (int, bool)
	Close() error
}

// Config tunes the lookahead cache.
type Config struct {
	BatchSize int
}

// Scheduler gates submissions through an Admitter and serves queued work in
// priority order. Next is meant for a single consumer; Submit may be called
// concurrently.
type Scheduler struct {
	filter    Admitter
	queue     Queue
	batchSize int
	logger    *zap.Logger

	nextMu sync.Mutex

	cacheMu sync.Mutex
	cache   []crawler.WorkItem

	closeOnce sync.Once
	closeErr  error
}

// New builds a Scheduler that owns filter and q.
func New(filter Admitter, q Queue, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Scheduler{
		filter:    filter,
		queue:     q,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Submit runs every non-bypass item through the filter and queues the
// admitted ones. It returns how many items were handed to the queue. A
// filter failure stops admission, but whatever was admitted before it is
// still queued so no marked-seen item is left behind.
func (s *Scheduler) Submit(ctx context.Context, items ...crawler.WorkItem) (int, error) {
	admitted := make([]crawler.WorkItem, 0, len(items))
	var admitErr error
	for _, item := range items {
		if item.AdmissionBypass {
			admitted = append(admitted, item)
			continue
		}
		ok, err := s.filter.Allowed(ctx, item)
		if err != nil {
			admitErr = fmt.Errorf("admit %s: %w", item.Target, err)
			break
		}
		if ok {
			admitted = append(admitted, item)
		}
	}
	if len(admitted) == 0 {
		return 0, admitErr
	}
	// Put uses a detached context: the items are already marked seen.
	if _, err := s.queue.Put(context.WithoutCancel(ctx), admitted); err != nil {
		return 0, errors.Join(admitErr, fmt.Errorf("queue put: %w", err))
	}
	s.logger.Debug("submitted work",
		zap.Int("offered", len(items)),
		zap.Int("admitted", len(admitted)),
		zap.Error(admitErr),
	)
	return len(admitted), admitErr
}

// Next returns the next item in priority order, waiting up to timeout.
// A non-positive timeout does not wait. ErrEmpty reports that nothing
// arrived in time.
func (s *Scheduler) Next(ctx context.Context, timeout time.Duration) (crawler.WorkItem, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	if head, ok := s.peek(); ok {
		if lowest, has := s.queue.LowestPriority(); has && lowest < head.Priority {
			// Something more urgent was queued after the cache was filled.
			items, err := s.queue.GetNoWait(ctx, 1)
			switch {
			case err == nil:
				return items[0], nil
			case !errors.Is(err, queue.ErrEmpty):
				return crawler.WorkItem{}, fmt.Errorf("queue get: %w", err)
			}
		}
		return s.pop(), nil
	}

	var (
		items []crawler.WorkItem
		err   error
	)
	if timeout <= 0 {
		items, err = s.queue.GetNoWait(ctx, s.batchSize)
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		items, err = s.queue.Get(waitCtx, s.batchSize)
		cancel()
	}
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return crawler.WorkItem{}, ErrEmpty
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return crawler.WorkItem{}, ErrEmpty
		}
		return crawler.WorkItem{}, fmt.Errorf("queue get: %w", err)
	}

	s.cacheMu.Lock()
	s.cache = append(s.cache, items[1:]...)
	s.cacheMu.Unlock()
	return items[0], nil
}

// IsDrained reports whether no admitted item remains unconsumed.
func (s *Scheduler) IsDrained() bool {
	return s.Cached() == 0 && s.queue.Size() == 0
}

// Cached returns the number of items held in the lookahead cache.
func (s *Scheduler) Cached() int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return len(s.cache)
}

// Size returns the number of unconsumed items, cached or queued.
func (s *Scheduler) Size() int {
	return s.Cached() + s.queue.Size()
}

// Close returns cached items to the queue and closes the queue and filter.
// Only the first call has any effect.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		s.cacheMu.Lock()
		pending := s.cache
		s.cache = nil
		s.cacheMu.Unlock()
		if len(pending) > 0 {
			if _, err := s.queue.Put(context.Background(), pending); err != nil {
				errs = append(errs, fmt.Errorf("requeue lookahead: %w", err))
			}
		}
		if err := s.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		if err := s.filter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close filter: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Scheduler) peek() (crawler.WorkItem, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if len(s.cache) == 0 {
		return crawler.WorkItem{}, false
	}
	return s.cache[0], true
}

func (s *Scheduler) pop() crawler.WorkItem {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	item := s.cache[0]
	s.cache = s.cache[1:]
	return item
}
