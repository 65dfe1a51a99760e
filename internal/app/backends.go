// Package app opens the seen-store, queue backend and scheduler named by
// configuration, and destroys their state on request.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/filter"
	"github.com/JakeFAU/crawl-frontier/internal/filter/bloom"
	"github.com/JakeFAU/crawl-frontier/internal/filter/layered"
	seenmem "github.com/JakeFAU/crawl-frontier/internal/filter/memory"
	seenpg "github.com/JakeFAU/crawl-frontier/internal/filter/postgres"
	seenredis "github.com/JakeFAU/crawl-frontier/internal/filter/redis"
	seensqlite "github.com/JakeFAU/crawl-frontier/internal/filter/sqlite"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	queuemem "github.com/JakeFAU/crawl-frontier/internal/queue/memory"
	queuepg "github.com/JakeFAU/crawl-frontier/internal/queue/postgres"
	queuesqlite "github.com/JakeFAU/crawl-frontier/internal/queue/sqlite"
	"github.com/JakeFAU/crawl-frontier/internal/scheduler"
)

// File names under config.FilterConfig.Dir.
const (
	SeenFileName  = "seen.txt"
	SeenDBName    = "seen.db"
	SeenBloomName = "seen.bloom"
)

// Backends builds storage from a loaded configuration.
type Backends struct {
	cfg    config.Config
	logger *zap.Logger
}

// New returns Backends for cfg.
func New(cfg config.Config, logger *zap.Logger) *Backends {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backends{cfg: cfg, logger: logger}
}

func (b *Backends) seenPath(name string) string {
	return filepath.Join(b.cfg.Filter.Dir, name)
}

func (b *Backends) bloomConfig() bloom.Config {
	return bloom.Config{
		Path:              b.seenPath(SeenBloomName),
		Capacity:          b.cfg.Filter.Bloom.Capacity,
		FalsePositiveRate: b.cfg.Filter.Bloom.FPRate,
	}
}

func (b *Backends) redisConfig() seenredis.Config {
	rc := b.cfg.Filter.Redis
	return seenredis.Config{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, Key: rc.Key}
}

func (b *Backends) postgresSeenConfig() seenpg.Config {
	pc := b.cfg.Filter.Postgres
	return seenpg.Config{DSN: pc.DSN, Table: pc.Table, MaxConns: pc.MaxConns}
}

// OpenSeenStore opens the configured filter backend.
func (b *Backends) OpenSeenStore(ctx context.Context) (filter.SeenStore, error) {
	fc := b.cfg.Filter
	switch fc.Backend {
	case config.FilterMemory:
		return seenmem.New(), nil
	case config.FilterFile:
		return seenmem.Open(b.seenPath(SeenFileName))
	case config.FilterSQLite:
		return seensqlite.Open(ctx, b.seenPath(SeenDBName))
	case config.FilterBloom:
		b.warnProbabilistic()
		return bloom.Open(b.bloomConfig())
	case config.FilterLayered:
		return b.openLayered(ctx)
	case config.FilterRedis:
		return seenredis.Open(ctx, b.redisConfig())
	case config.FilterPostgres:
		return seenpg.Open(ctx, b.postgresSeenConfig())
	default:
		return nil, fmt.Errorf("unknown filter backend %q", fc.Backend)
	}
}

func (b *Backends) warnProbabilistic() {
	b.logger.Warn("bloom seen-store may drop novel targets",
		zap.Float64("fp_rate", b.cfg.Filter.Bloom.FPRate),
		zap.Uint("capacity", b.cfg.Filter.Bloom.Capacity),
	)
}

// openLayered pairs a bloom file with an exact SQLite store. The bloom
// pre-check is trusted only if its file was loaded or nothing has been seen
// yet; otherwise a crash may have left it behind the exact store.
func (b *Backends) openLayered(ctx context.Context) (filter.SeenStore, error) {
	exact, err := seensqlite.Open(ctx, b.seenPath(SeenDBName))
	if err != nil {
		return nil, err
	}
	fast, err := bloom.Open(b.bloomConfig())
	if err != nil {
		_ = exact.Close()
		return nil, fmt.Errorf("open bloom layer: %w", err)
	}
	trustFast := fast.Loaded()
	if !trustFast {
		n, err := exact.Count(ctx)
		if err != nil {
			_ = fast.Close()
			_ = exact.Close()
			return nil, err
		}
		trustFast = n == 0
	}
	if !trustFast {
		b.logger.Warn("bloom layer missing; every lookup goes to the exact store this run")
	}
	return layered.New(fast, exact, trustFast), nil
}

// OpenQueueBackend opens the configured queue backend.
func (b *Backends) OpenQueueBackend(ctx context.Context) (queue.Backend, error) {
	qc := b.cfg.Queue
	switch qc.Backend {
	case config.QueueMemory:
		return queuemem.NewBackend(), nil
	case config.QueueSQLite:
		return queuesqlite.New(queuesqlite.Config{Dir: qc.SQLite.Dir, BaseName: qc.SQLite.BaseName})
	case config.QueuePostgres:
		return queuepg.New(ctx, queuepg.Config{
			DSN:      qc.Postgres.DSN,
			BaseName: qc.Postgres.BaseName,
			MaxConns: qc.Postgres.MaxConns,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

// OpenScheduler opens the filter and queue and composes them. Admission
// outcomes are exported as metrics.
func (b *Backends) OpenScheduler(ctx context.Context) (dispatcher.Scheduler, error) {
	store, err := b.OpenSeenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open seen store: %w", err)
	}
	fc := b.cfg.Filter
	f := filter.New(filter.Config{
		Schemes:     fc.Schemes,
		HostOnly:    fc.HostOnly,
		Hosts:       b.cfg.Crawler.AllowedHosts,
		MaxDepth:    fc.MaxDepth,
		MaxRedirect: fc.MaxRedirect,
	}, store, b.logger.Named("filter"))
	f.SetObserver(func(r filter.Reason) { metrics.ObserveAdmission(string(r)) })
	if fc.HostOnly {
		f.AllowHosts(b.cfg.Crawler.Seeds...)
	}

	backend, err := b.OpenQueueBackend(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open queue backend: %w", err), f.Close())
	}
	q, err := queue.New(ctx, backend, b.logger.Named("queue"))
	if err != nil {
		return nil, errors.Join(err, backend.Close(), f.Close())
	}
	return scheduler.New(f, q, scheduler.Config{BatchSize: b.cfg.Queue.BatchSize}, b.logger.Named("scheduler")), nil
}

// Clean destroys the durable state of the configured filter and queue.
func (b *Backends) Clean(ctx context.Context) error {
	var errs []error
	if err := b.cleanSeen(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clean seen store: %w", err))
	}

	backend, err := b.OpenQueueBackend(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("open queue backend: %w", err))
		return errors.Join(errs...)
	}
	if err := queue.Clean(ctx, backend); err != nil {
		errs = append(errs, err)
	}
	if err := backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue backend: %w", err))
	}
	return errors.Join(errs...)
}

func (b *Backends) cleanSeen(ctx context.Context) error {
	switch b.cfg.Filter.Backend {
	case config.FilterMemory:
		return nil
	case config.FilterFile:
		return seenmem.Clean(b.seenPath(SeenFileName))
	case config.FilterSQLite:
		return seensqlite.Clean(b.seenPath(SeenDBName))
	case config.FilterBloom:
		return bloom.Clean(b.seenPath(SeenBloomName))
	case config.FilterLayered:
		return errors.Join(
			bloom.Clean(b.seenPath(SeenBloomName)),
			seensqlite.Clean(b.seenPath(SeenDBName)),
		)
	case config.FilterRedis:
		return seenredis.Clean(ctx, b.redisConfig())
	case config.FilterPostgres:
		return seenpg.Clean(ctx, b.postgresSeenConfig())
	default:
		return fmt.Errorf("unknown filter backend %q", b.cfg.Filter.Backend)
	}
}
