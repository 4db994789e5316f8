package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/config"
	"github.com/JakeFAU/streamcrawler/internal/dispatcher"
)

type crawlFlags struct {
	seeds        []string
	job          string
	exitWhenIdle bool
}

func newCrawlCmd(cfgFile *string) *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawl loop and the operator API",
		Long: `Runs the dispatch loop until it is finished through POST /v1/finish, the
finish file, an interrupt signal, or (with --exit-when-idle) an empty feed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			return runCrawl(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringSliceVar(&flags.seeds, "seed", nil, "seed URL, repeatable; added to crawler.seeds")
	cmd.Flags().StringVar(&flags.job, "job", "", "job name; overrides crawler.job_name")
	cmd.Flags().BoolVar(&flags.exitWhenIdle, "exit-when-idle", false, "stop once the feed has drained")
	return cmd
}

func (f crawlFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	cfg.Crawler.Seeds = append(cfg.Crawler.Seeds, f.seeds...)
	if f.job != "" {
		cfg.Crawler.JobName = f.job
	}
	if cmd.Flags().Changed("exit-when-idle") {
		cfg.Crawler.ExitWhenIdle = f.exitWhenIdle
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runCrawl(parent context.Context, cfg config.Config) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("close crawler", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
	}()

	logger.Info("crawl started", zap.String("job", cfg.Crawler.JobName))
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	logger.Info("crawl finished")
	return nil
}

func newFinishCmd(cfgFile *string) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Ask a running crawl to finish through its finish file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			if job == "" {
				job = cfg.Crawler.JobName
			}
			if err := dispatcher.RequestFinish(cfg.Crawler.FinishFile, job); err != nil {
				return fmt.Errorf("request finish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "finish requested for job %q via %s\n", job, cfg.Crawler.FinishFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job to finish; defaults to crawler.job_name")
	return cmd
}
