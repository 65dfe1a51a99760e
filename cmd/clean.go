package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
)

// newCleanCmd creates the 'clean' subcommand.
func newCleanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Destroy the filter, queue and run marker of the configured crawl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			if err := app.New(cfg, logger).Clean(cmd.Context()); err != nil {
				return fmt.Errorf("clean state: %w", err)
			}
			if err := dispatcher.RemoveMarker(cfg.Engine.StateDir); err != nil {
				return fmt.Errorf("clean state: %w", err)
			}
			logger.Info("state removed",
				zap.String("state_dir", cfg.Engine.StateDir),
				zap.String("filter_backend", cfg.Filter.Backend),
				zap.String("queue_backend", cfg.Queue.Backend),
			)
			return nil
		},
	}
}
