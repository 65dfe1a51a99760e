// Package server builds a crawl from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawl-frontier/internal/fetcher/colly"
	htmlparser "github.com/JakeFAU/crawl-frontier/internal/parser/html"
	"github.com/JakeFAU/crawl-frontier/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the crawl's long-lived dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	backends  *app.Backends
	engine    *dispatcher.Engine
	apiServer *api.Server
}

// Build wires the worker pool, the storage backends and the engine. The
// status server is built only when cfg.Server.Addr is set.
func Build(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		backends: app.New(cfg, logger.Named("store")),
	}

	pool, err := a.buildPool()
	if err != nil {
		return nil, err
	}

	a.engine, err = dispatcher.New(dispatcher.Config{
		Threads:        cfg.Engine.Threads,
		PollTimeout:    cfg.Engine.PollTimeout,
		ForceStopAfter: cfg.Engine.ForceStopAfter,
		ForceGrace:     cfg.Engine.ForceGrace,
		StateDir:       cfg.Engine.StateDir,
		Resume:         cfg.Engine.Resume,
	}, dispatcher.Deps{
		OpenScheduler: a.backends.OpenScheduler,
		Clean:         a.backends.Clean,
		Pool:          pool,
	}, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	if cfg.Server.Addr != "" {
		a.apiServer = api.NewServer(a.engine, logger.Named("api"))
	}

	logger.Info("crawl built",
		zap.Int("threads", cfg.Engine.Threads),
		zap.String("filter_backend", cfg.Filter.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("state_dir", cfg.Engine.StateDir),
		zap.Bool("resume", cfg.Engine.Resume),
		zap.Int("seeds", len(cfg.Crawler.Seeds)),
	)
	return a, nil
}

func (a *App) buildPool() (*worker.Pool, error) {
	cc := a.cfg.Crawler
	registry := worker.NewRegistry()
	registry.RegisterFetcher("", collyfetcher.New(collyfetcher.Config{
		UserAgent:         cc.UserAgent,
		Timeout:           cc.RequestTimeout,
		RequestsPerSecond: cc.RequestsPerSecond,
	}))
	registry.RegisterParser("", htmlparser.New(htmlparser.Config{PriorityStep: cc.LinkPriorityStep}))
	a.logger.Debug("default handlers registered",
		zap.String("user_agent", cc.UserAgent),
		zap.Duration("request_timeout", cc.RequestTimeout),
		zap.Float64("requests_per_second", cc.RequestsPerSecond),
	)

	pool, err := worker.NewPool(registry, worker.Config{
		Seeds:           cc.Seeds,
		SeedPriority:    cc.SeedPriority,
		MaxRetries:      cc.MaxRetries,
		RetryBaseDelay:  cc.RetryBaseDelay,
		RetryMaxDelay:   cc.RetryMaxDelay,
		ResubmitTimeout: cc.ResubmitTimeout,
	}, a.logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker pool init failed: %w", err)
	}
	return pool, nil
}

// Engine exposes the dispatch engine.
func (a *App) Engine() *dispatcher.Engine {
	return a.engine
}

// Handler returns the status server's handler, or nil when it is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run crawls until the work is drained, an interrupt is honoured or a fatal
// error occurs. SIGINT and SIGTERM are routed to the engine's interrupt
// counter rather than cancelling ctx.
func (a *App) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	return a.run(ctx, sigs)
}

func (a *App) run(ctx context.Context, sigs <-chan os.Signal) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.engine.WatchSignals(watchCtx, sigs)

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	a.logger.Info("crawl started")
	runErr := a.engine.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	st := a.engine.Status()
	a.logger.Info("crawl finished",
		zap.String("run_id", st.RunID),
		zap.String("state", st.State),
		zap.Int("in_flight", st.InFlight),
		zap.Int("interrupts", st.Interrupts),
		zap.Error(runErr),
	)
	return runErr
}
