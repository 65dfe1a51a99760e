// Package worker implements the crawl slots that fetch and parse work items.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// ErrBusy is returned by Deliver when the worker already holds an item.
var ErrBusy = errors.New("worker busy")

// Result labels for processed items.
const (
	resultOK         = "ok"
	resultRedirect   = "redirect"
	resultRetry      = "retry"
	resultFailed     = "failed"
	resultRequeued   = "requeued"
	resultParseError = "parse_error"
	resultInvalid    = "invalid"
	resultPanic      = "panic"
)

// Worker is one dispatch slot. It processes one item at a time.
type Worker struct {
	name            string
	coord           crawler.Coordinator
	registry        *Registry
	retry           crawler.RetryPolicy
	resubmitTimeout time.Duration
	logger          *zap.Logger

	inbox    chan crawler.WorkItem
	stop     chan struct{}
	stopOnce sync.Once
}

// Name returns the slot name.
func (w *Worker) Name() string {
	return w.name
}

// Deliver hands item to the worker without blocking.
func (w *Worker) Deliver(item crawler.WorkItem) error {
	select {
	case w.inbox <- item:
		return nil
	default:
		return fmt.Errorf("%s: %w", w.name, ErrBusy)
	}
}

// Stop asks the worker to exit once any delivered item is processed.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run registers the worker as idle and processes deliveries until stopped
// or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.coord.RegisterIdle(w)
	for {
		select {
		case item := <-w.inbox:
			w.process(ctx, item)
		case <-w.stop:
			w.flush(ctx)
			return nil
		case <-ctx.Done():
			w.flush(ctx)
			return nil
		}
	}
}

// flush processes an item delivered just before shutdown so it is either
// handled or resubmitted.
func (w *Worker) flush(ctx context.Context) {
	select {
	case item := <-w.inbox:
		w.process(ctx, item)
	default:
	}
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) {
	result := resultOK
	fetched := 0
	defer func() {
		if r := recover(); r != nil {
			result = resultPanic
			w.logger.Error("worker panic",
				zap.String("target", item.Target),
				zap.Any("panic", r),
			)
		}
		metrics.ObserveWorkerItem(item.Target, result, fetched)
		w.coord.Completed(w)
	}()

	if ctx.Err() != nil {
		w.resubmit(ctx, item)
		result = resultRequeued
		return
	}

	fetcher, err := w.registry.Fetcher(item.FetcherRef)
	if err != nil {
		w.logger.Error("drop item", zap.String("target", item.Target), zap.Error(err))
		result = resultInvalid
		return
	}

	resp, err := fetcher.Fetch(ctx, item)
	if err != nil {
		result = w.fetchFailed(ctx, item, err)
		return
	}
	fetched = len(resp.Body)

	if resp.IsRedirect() {
		result = resultRedirect
		w.submit(ctx, item.Redirected(resp.Location))
		return
	}

	parser, err := w.registry.Parser(item.ParserRef)
	if err != nil {
		w.logger.Error("drop item", zap.String("target", item.Target), zap.Error(err))
		result = resultInvalid
		return
	}
	found, err := parser.Parse(ctx, resp)
	if err != nil {
		w.logger.Warn("parse failed", zap.String("target", item.Target), zap.Error(err))
		result = resultParseError
		return
	}
	w.submit(ctx, w.resolvable(found)...)
}

// fetchFailed resubmits cancelled items and retries other failures while
// the retry policy allows.
func (w *Worker) fetchFailed(ctx context.Context, item crawler.WorkItem, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		w.resubmit(ctx, item)
		return resultRequeued
	}

	item.RetryCount++
	if !w.retry.ShouldRetry(err, item.RetryCount) {
		w.logger.Warn("fetch failed, giving up",
			zap.String("target", item.Target),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(err),
		)
		return resultFailed
	}

	w.logger.Info("fetch failed, retrying",
		zap.String("target", item.Target),
		zap.Int("retry_count", item.RetryCount),
		zap.Error(err),
	)
	timer := time.NewTimer(w.retry.Backoff(item.RetryCount))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		w.resubmit(ctx, item)
		return resultRequeued
	}
	item.AdmissionBypass = true
	w.submit(ctx, item)
	return resultRetry
}

// resubmit puts item back with admission bypassed, using a context detached
// from ctx's cancellation.
func (w *Worker) resubmit(ctx context.Context, item crawler.WorkItem) {
	item.AdmissionBypass = true
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.resubmitTimeout)
	defer cancel()
	if _, err := w.coord.Submit(detached, item); err != nil {
		w.logger.Error("resubmit failed, item lost",
			zap.String("target", item.Target),
			zap.Int("priority", item.Priority),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("resubmitted item", zap.String("target", item.Target))
}

func (w *Worker) submit(ctx context.Context, items ...crawler.WorkItem) {
	if len(items) == 0 {
		return
	}
	n, err := w.coord.Submit(ctx, items...)
	if err != nil {
		w.logger.Error("submit discovered work",
			zap.Int("items", len(items)),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("submitted discovered work", zap.Int("items", len(items)), zap.Int("admitted", n))
}

func (w *Worker) resolvable(items []crawler.WorkItem) []crawler.WorkItem {
	out := items[:0:0]
	for _, item := range items {
		if err := w.registry.Validate(item); err != nil {
			w.logger.Warn("drop item with unknown handler", zap.String("target", item.Target), zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out
}
