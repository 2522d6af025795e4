package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/dependencies"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pipeline node",
	Long: `Start the pipeline node in the foreground.

This will:
- Fail jobs a previous run of the node left unfinished
- Dispatch workflow tasks onto the registered topology
- Fire active schedules on their cron cadence
- Serve /health, /metrics and pprof on the monitoring port`,
	Args: cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting EO pipeline node...", "cli")

		pidManager := utils.NewPIDManager(config)
		if err := claimPID(pidManager); err != nil {
			fmt.Printf("Error: %v\n", err)
			fmt.Println("Use 'eo-pipeline stop' to stop the existing instance first")
			logger.Error(err.Error(), "cli")
			os.Exit(1)
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := newNode(ctx)
		exitOnError(err, "failed to initialize node")
		defer n.Close()

		components, err := n.db.ListComponents(ctx)
		exitOnError(err, "failed to list components")
		dependencies.NewDependencyManager(logger).CheckDependencies(components)

		monitoringServer := utils.NewMonitoringServer(config, logger, n.metrics)
		monitoringServer.AddCheck("database", n.db.Ping)
		if rl, ok := n.locker.(*locks.RedisLocker); ok {
			monitoringServer.AddCheck("redis", rl.Ping)
		}
		exitOnError(monitoringServer.Start(), "failed to start monitoring server")
		defer monitoringServer.Stop()

		exitOnError(n.Start(ctx), "failed to start workflow manager")
		exitOnError(n.schedules.Start(), "failed to start scheduler")

		logger.Info(fmt.Sprintf("Node started with PID: %d", os.Getpid()), "cli")
		fmt.Println("EO pipeline node is running. Press Ctrl+C to stop.")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n.logEvents(gctx)
			return nil
		})
		g.Go(func() error {
			syncWithStore(gctx, n, config.GetConfigDuration("sync_interval", 30*time.Second))
			return nil
		})

		<-ctx.Done()
		logger.Info("Shutdown signal received, stopping node...", "cli")
		if err := g.Wait(); err != nil {
			logger.Error(fmt.Sprintf("Background task failed: %v", err), "cli")
		}
		logger.Info("EO pipeline node stopped successfully", "cli")
	},
}

// syncWithStore picks up schedules and topology nodes changed by other CLI invocations
func syncWithStore(ctx context.Context, n *node, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.schedules.Sync(ctx); err != nil {
				logger.Warn(fmt.Sprintf("Failed to sync schedules: %v", err), "cli")
			}
			if err := n.topology.Load(ctx); err != nil {
				logger.Warn(fmt.Sprintf("Failed to reload topology: %v", err), "cli")
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
