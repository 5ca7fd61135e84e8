// Package cmd implements the iqm-archiver command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/app"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/config"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/logging"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/orchestrator"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application container.
// Tests swap in their own implementation through newApp.
type App interface {
	Run(ctx context.Context, ids []resolution.ID) (orchestrator.Summary, error)
	Preview(ctx context.Context, id resolution.ID) (resolution.Record, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd builds the command tree. The returned func closes the App once the
// command has finished, whether or not it succeeded.
func newRootCmd() (*cobra.Command, func() error) {
	var (
		cfgFile     string
		appInstance App
	)

	cmd := &cobra.Command{
		Use:   "iqm-archiver",
		Short: "Archive resolutions from an IQM2 civic portal.",
		Long: `iqm-archiver fetches resolution detail pages from an IQM2 portal, normalizes
them into a fixed schema and keeps the best version of each one in an archive.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			appInstance = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML/JSON config file")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newExtractCmd())

	closeApp := func() error {
		if appInstance == nil {
			return nil
		}
		a := appInstance
		appInstance = nil
		return a.Close()
	}
	return cmd, closeApp
}

func appFrom(cmd *cobra.Command) (App, error) {
	a, ok := cmd.Context().Value(appKey).(App)
	if !ok || a == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return a, nil
}

// Execute is the main entry point. SIGINT and SIGTERM stop dispatch; identifiers
// already in flight still finish and are reported.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	if cerr := closeApp(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Error closing services:", cerr)
	}
	if err != nil {
		stop()
		os.Exit(1)
	}
}
