// PlatformSync keeps an internal store of tasks, messages, files and comments
// in bidirectional sync with chat, issue-tracker, design, board, office-suite
// and todo platforms.
//
// Usage:
//
//	platformsync daemon [--config <path>]             # scheduler, realtime bridge, webhooks
//	platformsync sync <id>                            # one full sync then exit
//	platformsync integration add|list|update|remove   # manage integrations
//	platformsync integration pause|resume|status|test <id>
//	platformsync logs <id> [--status error]           # sync log, newest first
//	platformsync stats <id> [--window 24h]            # per platform and status counts
//	platformsync retry <id> [log-id...]               # retry failed log rows
//	platformsync version                              # print version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/platformsync/internal/config"
	"github.com/njoerd114/platformsync/internal/webhook"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "platformsync",
		Short:         "Bidirectional sync between workspace platforms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultCfg, _ := config.DefaultPath()
	root.PersistentFlags().StringVar(&g.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newDaemonCmd(&g),
		newSyncCmd(&g),
		newIntegrationCmd(&g),
		newLogsCmd(&g),
		newStatsCmd(&g),
		newRetryCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "platformsync", version)
			},
		},
	)
	return root
}

// --- daemon ------------------------------------------------------------------

func newDaemonCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler, realtime bridge and webhook listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return runDaemon(cmd.Context(), a)
		},
	}
}

// runDaemon loads every runnable integration, starts the cadences and serves
// realtime events until ctx is cancelled.
func runDaemon(ctx context.Context, a *app) error {
	if _, err := a.registry.LoadAll(ctx); err != nil {
		// Failed integrations carry the error in their log; the rest run.
		a.log.Warn("some integrations failed to load", "error", err)
	}
	if a.cfg.Webhooks.PublicURL == "" {
		a.log.Warn("webhooks.public_url is not set, platform webhooks will not be registered")
	}
	// Integrations added, changed or paused by one-shot commands reach the
	// daemon through the shared store.
	if err := a.scheduler.Every(a.cfg.Scheduler.ReconcileInterval, "reconcile", a.registry.Reconcile); err != nil {
		return fmt.Errorf("scheduling reconcile: %w", err)
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bridge.Run(gctx, a.orchestrator) })
	if addr := a.cfg.Webhooks.Listen; addr != "" {
		srv := webhook.New(a.store, a.registry, a.log)
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	}

	a.log.Info("daemon started", "version", version, "integrations", len(a.registry.Loaded()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

// --- sync --------------------------------------------------------------------

func newSyncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <integration-id>",
		Short: "Run one full sync of an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.control.TriggerSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d, skipped %d, errors %d\n",
				stats.Created, stats.Updated, stats.Skipped, stats.Errors)
			return nil
		},
	}
}
