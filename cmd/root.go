// Package cmd defines the registrar CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/config"
	"github.com/JakeFAU/bulk-registrar/internal/logging"
	"github.com/JakeFAU/bulk-registrar/internal/server"
)

// App is what the commands need from the built service graph.
type App interface {
	Run(ctx context.Context) error
	RunSweep(ctx context.Context, name string) (int, error)
	Sweeps() []string
	Close(ctx context.Context) error
}

type appKey struct{}

// newApp builds the service graph. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

// newLogger builds the process logger. Tests replace it to observe output.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:   "registrar",
		Short: "Bulk product registration service.",
		Long: `registrar validates spreadsheet uploads and crawled products, registers
them with the commerce API under per-plan quotas, and bills plan upgrades
through the payment gateway.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, app))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			app, ok := cmd.Context().Value(appKey{}).(App)
			if !ok {
				return nil
			}
			if err := app.Close(context.WithoutCancel(cmd.Context())); err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			_ = zap.L().Sync()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (env vars use the REGISTRAR_ prefix)")
	root.AddCommand(newServeCmd(), newSweepCmd())
	return root
}

func resolveApp(ctx context.Context) (App, error) {
	app, ok := ctx.Value(appKey{}).(App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute runs the CLI until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
