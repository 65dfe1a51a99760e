package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/server"
)

type crawlOptions struct {
	threads   int
	force     bool
	debug     bool
	ephemeral bool
	addr      string
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(c *cli) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Run or resume a crawl",
		Long: `Crawls from the configured seeds plus any given as arguments. When a
previous run left state behind, the crawl resumes from it unless --force is
set. The first SIGINT drains gracefully; repeated signals force a stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg, args)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&opts.threads, "threads", "t", 0, "number of worker slots (overrides engine.threads)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "discard previous state and start fresh")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "development logging at debug level")
	cmd.Flags().BoolVar(&opts.ephemeral, "ephemeral", false, "keep filter and queue in memory; implies --force")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "status server address (overrides server.addr)")
	return cmd
}

// apply layers explicitly set flags and positional seeds over cfg.
func (o *crawlOptions) apply(cmd *cobra.Command, cfg *config.Config, seeds []string) {
	flags := cmd.Flags()
	if flags.Changed("threads") {
		cfg.Engine.Threads = o.threads
	}
	if o.force {
		cfg.Engine.Resume = false
	}
	if o.debug {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if o.ephemeral {
		cfg.Filter.Backend = config.FilterMemory
		cfg.Queue.Backend = config.QueueMemory
		cfg.Engine.Resume = false
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	cfg.Crawler.Seeds = append(cfg.Crawler.Seeds, seeds...)
}

func runCrawl(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.Engine.Resume && cfg.Queue.Backend == config.QueueMemory {
		logger.Warn("resuming with an in-memory queue; pending work from earlier runs is gone")
	}

	a, err := server.Build(cfg, logger)
	if err != nil {
		return err
	}
	err = a.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("crawl command finished")
		return nil
	case errors.Is(err, dispatcher.ErrForcedStop):
		logger.Warn("crawl force-stopped; in-flight items were lost")
		return err
	default:
		logger.Error("crawl failed", zap.Error(err))
		return fmt.Errorf("run crawl: %w", err)
	}
}
