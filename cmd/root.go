// Package cmd defines the frontier command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/logging"
)

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	cfgFile string
	v       *viper.Viper
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Crawl frontier: admission, durable priority queue and dispatch.",
		Long: `frontier admits discovered URLs at most once, keeps pending work in a
durable priority queue, and dispatches it to a bounded pool of workers until
all discoverable work is exhausted. Interrupted runs resume where they left off.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.v = config.New(c.cfgFile)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "",
		"config file (default is ./frontier.yaml or $XDG_CONFIG_HOME/crawl-frontier/frontier.yaml)")

	cmd.AddCommand(newCrawlCmd(c))
	cmd.AddCommand(newCleanCmd(c))
	cmd.AddCommand(newConfigCmd(c))
	return cmd
}

// load reads the configuration for the running command.
func (c *cli) load() (config.Config, error) {
	if c.v == nil {
		c.v = config.New(c.cfgFile)
	}
	cfg, err := config.Load(c.v)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Execute runs the command line and returns the error that ended it.
func Execute() error {
	return newRootCmd().Execute()
}
