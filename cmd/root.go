// Package cmd defines the streamcrawler command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/app"
	"github.com/JakeFAU/streamcrawler/internal/config"
	"github.com/JakeFAU/streamcrawler/internal/logging"
)

// Runner is the part of the app container the commands drive.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// newRunner builds the crawler. It is a variable so tests can swap in a fake.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger, app.Options{})
}

// newLogger is a variable so tests can silence output.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Development, cfg.Logging.Level)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "streamcrawler",
		Short: "A streaming crawl scheduler with admission control and identity rotation.",
		Long: `streamcrawler pulls URLs from a feed and dispatches them to a bounded pool
of fetch workers. Every dispatch passes through admission gates for
concurrency, disk, memory, identity leaks, geofencing and proxy balance.
Failed fetches are retried on a delay queue and hosts that keep failing
are taken out of rotation.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newCrawlCmd(&cfgFile), newFinishCmd(&cfgFile))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
