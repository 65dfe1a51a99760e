// Package dispatcher runs worker slots against the scheduler and decides
// when a crawl is finished.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/scheduler"
)

// Defaults applied by New.
const (
	DefaultPollTimeout    = time.Second
	DefaultForceStopAfter = 5
	DefaultForceGrace     = time.Second
)

// ErrForcedStop is returned by Run after repeated interrupts.
var ErrForcedStop = errors.New("dispatcher: forced stop")

// Scheduler is the work source driven by the engine.
type Scheduler interface {
	Submit(ctx context.Context, items ...crawler.WorkItem) (int, error)
	Next(ctx context.Context, timeout time.Duration) (crawler.WorkItem, error)
	IsDrained() bool
	Size() int
	Close() error
}

// Config controls the engine.
type Config struct {
	Threads     int
	PollTimeout time.Duration
	// ForceStopAfter is the interrupt count that escalates to a forced stop.
	ForceStopAfter int
	// ForceGrace bounds how long a forced stop waits for slots to notice
	// cancellation before Run returns.
	ForceGrace time.Duration
	StateDir   string
	Resume     bool
}

// Deps are the collaborators the engine builds a run from.
type Deps struct {
	OpenScheduler func(ctx context.Context) (Scheduler, error)
	// Clean destroys queue and filter state. It runs before OpenScheduler
	// when Config.Resume is false.
	Clean func(ctx context.Context) error
	Pool  crawler.SlotFactory
}

// Status is a point-in-time view of the engine.
type Status struct {
	RunID      string `json:"run_id,omitempty"`
	State      string `json:"state"`
	Workers    int    `json:"workers"`
	InFlight   int    `json:"in_flight"`
	Queued     int    `json:"queued"`
	Drained    bool   `json:"drained"`
	Interrupts int    `json:"interrupts"`
}

// Engine matches idle worker slots to queued work.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	state      atomic.Int32
	interrupts atomic.Int32

	mu       sync.Mutex
	inFlight int
	slotSeq  int
	slots    []crawler.Slot
	sched    Scheduler
	runID    string

	idle chan crawler.Slot

	quit      chan struct{}
	quitOnce  sync.Once
	forced    chan struct{}
	forceOnce sync.Once
}

// New validates cfg and builds an Engine.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threads <= 0 {
		return nil, fmt.Errorf("threads must be positive, got %d", cfg.Threads)
	}
	if cfg.StateDir == "" {
		return nil, errors.New("state dir is required")
	}
	if deps.OpenScheduler == nil || deps.Pool == nil {
		return nil, errors.New("scheduler and worker pool are required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ForceStopAfter <= 0 {
		cfg.ForceStopAfter = DefaultForceStopAfter
	}
	if cfg.ForceGrace <= 0 {
		cfg.ForceGrace = DefaultForceGrace
	}
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		idle:   make(chan crawler.Slot, cfg.Threads),
		quit:   make(chan struct{}),
		forced: make(chan struct{}),
	}
	e.setState(Starting)
	return e, nil
}

// Run executes one crawl. It returns nil once all work is drained or a
// graceful interrupt has been honoured, ErrForcedStop after a forced stop,
// and any fatal dispatch error otherwise. The scheduler is always closed
// before Run returns.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.cfg.Resume {
		if err := e.reset(ctx); err != nil {
			return err
		}
	}

	sched, err := e.deps.OpenScheduler(ctx)
	if err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}
	e.mu.Lock()
	e.sched = sched
	e.mu.Unlock()
	defer func() {
		if cerr := sched.Close(); cerr != nil {
			e.logger.Error("close scheduler", zap.Error(cerr))
			err = errors.Join(err, fmt.Errorf("close scheduler: %w", cerr))
		}
	}()

	if err := e.start(ctx, sched); err != nil {
		return err
	}
	if err := e.spawn(); err != nil {
		return err
	}

	forceCtx, forceCancel := context.WithCancel(ctx)
	defer forceCancel()
	g, gctx := errgroup.WithContext(forceCtx)

	e.setState(Running)
	e.logger.Info("engine running",
		zap.String("run_id", e.RunID()),
		zap.Int("threads", e.cfg.Threads),
		zap.Int("queued", sched.Size()),
	)

	for _, slot := range e.slotList() {
		g.Go(func() error {
			if err := slot.Run(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", slot.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		err := e.dispatch(gctx, sched)
		e.drain()
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if e.State() == ForcedStop {
			return ErrForcedStop
		}
		if err != nil {
			e.logger.Error("dispatch failed", zap.Error(err))
			return err
		}
		e.setState(Stopped)
		e.logger.Info("engine stopped", zap.String("run_id", e.RunID()))
		return ctx.Err()
	case <-e.forced:
		forceCancel()
		e.logger.Warn("forced stop, in-flight items may be lost", zap.Int("in_flight", e.InFlight()))
		select {
		case <-done:
		case <-time.After(e.cfg.ForceGrace):
		}
		return ErrForcedStop
	}
}

// dispatch is the engine's single control loop.
func (e *Engine) dispatch(ctx context.Context, sched Scheduler) error {
	for {
		var slot crawler.Slot
		select {
		case <-ctx.Done():
			return nil
		case <-e.quit:
			return nil
		case slot = <-e.idle:
		}

		item, err := sched.Next(ctx, e.cfg.PollTimeout)
		switch {
		case err == nil:
			e.mu.Lock()
			e.inFlight++
			n := e.inFlight
			e.mu.Unlock()
			metrics.SetInFlight(n)
			metrics.ObserveDispatch()
			if err := slot.Deliver(item); err != nil {
				e.release()
				e.requeue(ctx, sched, item)
				return fmt.Errorf("deliver to %s: %w", slot.Name(), err)
			}
		case errors.Is(err, scheduler.ErrEmpty):
			e.RegisterIdle(slot)
			if e.drained(sched) {
				e.logger.Info("no work left, draining")
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("next work item: %w", err)
		}
	}
}

func (e *Engine) drained(sched Scheduler) bool {
	e.mu.Lock()
	n := e.inFlight
	e.mu.Unlock()
	return n == 0 && sched.IsDrained()
}

// drain stops every slot. Slots finish an item they already hold first.
func (e *Engine) drain() {
	e.setState(Draining)
	for _, slot := range e.slotList() {
		slot.Stop()
	}
}

func (e *Engine) requeue(ctx context.Context, sched Scheduler, item crawler.WorkItem) {
	item.AdmissionBypass = true
	if _, err := sched.Submit(context.WithoutCancel(ctx), item); err != nil {
		e.logger.Error("requeue undelivered item",
			zap.String("target", item.Target),
			zap.Int("priority", item.Priority),
			zap.Error(err),
		)
	}
}

func (e *Engine) spawn() error {
	for range e.cfg.Threads {
		name := e.nextSlotName()
		slot, err := e.deps.Pool.NewSlot(name, e)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		e.mu.Lock()
		e.slots = append(e.slots, slot)
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) nextSlotName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slotSeq++
	return fmt.Sprintf("worker-%d", e.slotSeq)
}

func (e *Engine) slotList() []crawler.Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]crawler.Slot(nil), e.slots...)
}

func (e *Engine) release() {
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	n := e.inFlight
	e.mu.Unlock()
	metrics.SetInFlight(n)
}

// Submit forwards discovered work to the scheduler.
func (e *Engine) Submit(ctx context.Context, items ...crawler.WorkItem) (int, error) {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return 0, errors.New("engine not started")
	}
	return sched.Submit(ctx, items...)
}

// RegisterIdle queues slot for the next dispatch.
func (e *Engine) RegisterIdle(slot crawler.Slot) {
	select {
	case e.idle <- slot:
	default:
		e.logger.Warn("idle queue full, dropping token", zap.String("worker", slot.Name()))
	}
}

// Completed records that slot finished one item and makes it idle again.
func (e *Engine) Completed(slot crawler.Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight > 0 {
		e.inFlight--
	} else {
		e.logger.Warn("completion without dispatch", zap.String("worker", slot.Name()))
	}
	metrics.SetInFlight(e.inFlight)
	e.RegisterIdle(slot)
}

// Interrupt requests shutdown. The first call drains gracefully; reaching
// Config.ForceStopAfter calls forces an immediate stop.
func (e *Engine) Interrupt() {
	n := int(e.interrupts.Add(1))
	if n == 1 {
		e.logger.Info("interrupt received, finishing in-flight work")
		e.quitOnce.Do(func() { close(e.quit) })
	}
	if n >= e.cfg.ForceStopAfter {
		e.setState(ForcedStop)
		e.forceOnce.Do(func() { close(e.forced) })
		return
	}
	if n > 1 {
		e.logger.Warn("interrupt received again",
			zap.Int("count", n),
			zap.Int("force_after", e.cfg.ForceStopAfter),
		)
	}
}

// WatchSignals calls Interrupt for every signal received until ctx ends.
func (e *Engine) WatchSignals(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			e.logger.Debug("signal", zap.String("signal", sig.String()))
			e.Interrupt()
		}
	}
}

// InFlight returns the number of delivered, uncompleted items.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// RunID returns the identifier stored in the run marker.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		RunID:      e.runID,
		State:      e.State().String(),
		Workers:    len(e.slots),
		InFlight:   e.inFlight,
		Interrupts: int(e.interrupts.Load()),
	}
	sched := e.sched
	e.mu.Unlock()
	if sched != nil {
		st.Queued = sched.Size()
		st.Drained = st.InFlight == 0 && sched.IsDrained()
	}
	return st
}
