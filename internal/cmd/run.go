package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var runParams []string

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Run a workflow in the foreground and wait for it",
	Long: `Start one job of a workflow in this process and wait until it ends.

Parameters override component defaults and node values:
  eo-pipeline run 3 --param fetch.startDate=2024-01-01 --param fetch.endDate=2024-01-31

Ctrl+C stops the job. The command refuses to run while a node is started,
because the running node owns job execution.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workflowID := parseID(args[0], "workflow")
		overrides, err := parseOverrides(runParams)
		exitOnError(err, "invalid parameters")

		pidManager := utils.NewPIDManager(config)
		exitOnError(claimPID(pidManager), "cannot run workflow")
		defer pidManager.RemovePIDFile()

		signals, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ctx := principalContext(context.Background())
		n, err := newNode(ctx)
		exitOnError(err, "failed to initialize node")
		defer n.Close()
		exitOnError(n.Start(ctx), "failed to start workflow manager")

		jobID, err := n.workflows.StartWorkflow(ctx, workflowID, overrides)
		exitOnError(err, "failed to start workflow %d", workflowID)
		fmt.Printf("Started job %d of workflow %d\n", jobID, workflowID)

		events, cancelEvents := context.WithCancel(ctx)
		defer cancelEvents()
		go printTaskEvents(events, n, jobID)

		done := make(chan struct{})
		go func() {
			select {
			case <-signals.Done():
				fmt.Println("\nStopping job...")
				if err := n.workflows.StopJob(ctx, jobID); err != nil {
					logger.Warn(fmt.Sprintf("Failed to stop job %d: %v", jobID, err), "cli")
				}
			case <-done:
			}
		}()

		job, err := n.workflows.WaitJob(ctx, jobID, 500*time.Millisecond)
		close(done)
		exitOnError(err, "failed waiting for job %d", jobID)

		_, tasks, err := n.workflows.JobStatus(ctx, jobID)
		exitOnError(err, "failed to read job %d", jobID)

		cancelEvents()
		fmt.Println(separator)
		printJob(job, tasks, job.Progress)

		if job.Status != types.StatusDone {
			n.Close()
			pidManager.RemovePIDFile()
			logger.Close()
			os.Exit(2)
		}
	},
}

// printTaskEvents echoes status changes of one job's tasks until ctx ends
func printTaskEvents(ctx context.Context, n *node, jobID int64) {
	ch, unsubscribe := n.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.JobID != jobID || ev.Type != types.EventTaskStatus {
				continue
			}
			if ev.Message != "" {
				fmt.Printf("  task %d -> %s: %s\n", ev.TaskID, ev.Status, ev.Message)
			} else {
				fmt.Printf("  task %d -> %s\n", ev.TaskID, ev.Status)
			}
		}
	}
}

func init() {
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "parameter override as node.key=value (repeatable)")
	rootCmd.AddCommand(runCmd)
}
