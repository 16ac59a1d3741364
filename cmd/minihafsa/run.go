package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func runCmd(opts *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling loop",
		Long: `Run starts the scheduling loop against the configured vault.

Each cycle scans Needs_Action and the Approved folder, prioritises the
tasks, dispatches a bounded batch to the registered agents, and refreshes
the Markdown dashboard. With --once a single cycle runs and the process
exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(opts, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	return cmd
}

func runLoop(opts *rootOptions, once bool) error {
	printBanner()
	logger := buildLogger(opts.logLevel)

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if once {
		stats, err := app.loop.RunCycle(ctx)
		app.Shutdown()
		if err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		logger.Info("Cycle complete",
			"cycle", stats.Cycle,
			"tasks_executed", stats.TasksExecuted,
			"completed", stats.Completed,
			"failed", stats.Failed,
			"gated", stats.Gated,
			"duration_ms", stats.DurationMS)
		return nil
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown()
		return err
	}

	logger.Info("Minihafsa ready",
		"version", Version,
		"vault", cfg.Loop.VaultPath,
		"cycle_interval_ms", cfg.Loop.CycleIntervalMS)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown()
	logger.Info("Shutdown complete")
	return nil
}
