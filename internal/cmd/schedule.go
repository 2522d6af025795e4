package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var (
	scheduleName      string
	scheduleCron      string
	scheduleMode      string
	scheduleFootprint string
	scheduleParams    []string
	scheduleInactive  bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring workflow schedules",
	Long: `Manage recurring workflow schedules.

Schedules fire while the node is started. A running node picks up schedules
added, removed or toggled here on its next sync (sync_interval).`,
}

// withScheduleManager runs fn against a schedule manager that edits schedules without firing them
func withScheduleManager(fn func(ctx context.Context, sm *core.ScheduleManager, db *database.SQLiteManager)) {
	db := openStore()
	defer db.Close()

	locker, err := locks.NewKeyedLocker(config, logger)
	exitOnError(err, "failed to initialize locks")
	if closer, ok := locker.(io.Closer); ok {
		defer closer.Close()
	}

	ctx := principalContext(context.Background())
	fn(ctx, core.NewScheduleManager(ctx, config, db, nil, locker, events.NewBus(config, logger), utils.NewMetrics(), logger), db)
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <workflow-id>",
	Short: "Schedule a workflow on a cron cadence",
	Long: `Schedule a workflow on a cron cadence.

  eo-pipeline schedule add 3 --cron "0 6 * * *" --mode incremental --footprint T31UFQ

In incremental mode every firing rewrites startDate/endDate of nodes that use them
so only products newer than the newest one already acquired are fetched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		overrides, err := parseOverrides(scheduleParams)
		exitOnError(err, "invalid parameters")

		s := &types.Schedule{
			Name:       scheduleName,
			WorkflowID: parseID(args[0], "workflow"),
			CronExpr:   scheduleCron,
			Mode:       types.ExecutionMode(strings.ToUpper(scheduleMode)),
			Parameters: overrides,
			Footprint:  scheduleFootprint,
			Active:     !scheduleInactive,
		}

		withScheduleManager(func(ctx context.Context, sm *core.ScheduleManager, _ *database.SQLiteManager) {
			exitOnError(sm.AddSchedule(ctx, s), "failed to add schedule")
		})
		fmt.Printf("Schedule %d added for workflow %d (%s, %s)\n", s.ID, s.WorkflowID, s.CronExpr, s.Mode)
		if next, ok := nextRun(s); ok {
			fmt.Printf("Next run: %s\n", formatTime(next))
		}
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		withScheduleManager(func(ctx context.Context, sm *core.ScheduleManager, _ *database.SQLiteManager) {
			schedules, err := sm.ListSchedules(ctx)
			exitOnError(err, "failed to list schedules")
			if len(schedules) == 0 {
				fmt.Println("No schedules found")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tWORKFLOW\tUSER\tCRON\tMODE\tACTIVE\tBATCHES\tNEXT RUN\tLAST ERROR")
			for _, s := range schedules {
				next := "-"
				if t, ok := nextRun(s); ok {
					next = formatTime(t)
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n", s.ID, s.Name, s.WorkflowID, s.UserID,
					s.CronExpr, s.Mode, s.Active, len(s.Batches), next, s.LastError)
			}
			w.Flush()
		})
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <schedule-id>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "schedule")
		withScheduleManager(func(ctx context.Context, sm *core.ScheduleManager, _ *database.SQLiteManager) {
			exitOnError(sm.RemoveSchedule(ctx, id), "failed to remove schedule")
		})
		fmt.Printf("Schedule %d removed\n", id)
	},
}

func setScheduleActive(active bool) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "schedule")
		withScheduleManager(func(ctx context.Context, sm *core.ScheduleManager, _ *database.SQLiteManager) {
			exitOnError(sm.SetActive(ctx, id, active), "failed to update schedule")
		})
		if active {
			fmt.Printf("Schedule %d enabled\n", id)
		} else {
			fmt.Printf("Schedule %d disabled\n", id)
		}
	}
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule and clear its last error",
	Args:  cobra.ExactArgs(1),
	Run:   setScheduleActive(true),
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	Run:   setScheduleActive(false),
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <schedule-id>",
	Short: "Fire a schedule now and wait for its job",
	Long: `Fire a schedule now, in this process, and wait for the job it starts.

Like 'run', this refuses while a node is started; the running node fires
schedules on its own.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "schedule")

		pidManager := utils.NewPIDManager(config)
		exitOnError(claimPID(pidManager), "cannot trigger schedule")
		defer pidManager.RemovePIDFile()

		ctx := principalContext(context.Background())
		n, err := newNode(ctx)
		exitOnError(err, "failed to initialize node")
		defer n.Close()
		exitOnError(n.Start(ctx), "failed to start workflow manager")

		jobID, err := n.schedules.Trigger(ctx, id)
		if errors.Is(err, core.ErrScheduleOverlap) || errors.Is(err, core.ErrQuotaExceeded) {
			fmt.Printf("Schedule %d skipped: %v\n", id, err)
			return
		}
		exitOnError(err, "schedule %d did not start a job", id)
		fmt.Printf("Schedule %d started job %d\n", id, jobID)

		job, err := n.workflows.WaitJob(ctx, jobID, 500*time.Millisecond)
		exitOnError(err, "failed waiting for job %d", jobID)
		_, tasks, err := n.workflows.JobStatus(ctx, jobID)
		exitOnError(err, "failed to read job %d", jobID)

		fmt.Println(separator)
		printJob(job, tasks, job.Progress)
	},
}

func nextRun(s *types.Schedule) (time.Time, bool) {
	if !s.Active {
		return time.Time{}, false
	}
	sched, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(time.Now()), true
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <schedule-id>",
	Short: "Show a schedule and the jobs of its last batch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "schedule")

		withScheduleManager(func(ctx context.Context, sm *core.ScheduleManager, db *database.SQLiteManager) {
			s, err := sm.GetSchedule(ctx, id)
			exitOnError(err, "failed to get schedule")

			fmt.Printf("Schedule:    %d (%s)\n", s.ID, s.Name)
			fmt.Printf("Workflow:    %d\n", s.WorkflowID)
			fmt.Printf("User:        %s\n", s.UserID)
			fmt.Printf("Cron:        %s\n", s.CronExpr)
			fmt.Printf("Mode:        %s\n", s.Mode)
			if s.Footprint != "" {
				fmt.Printf("Footprint:   %s\n", s.Footprint)
			}
			fmt.Printf("Active:      %t\n", s.Active)
			if next, ok := nextRun(s); ok {
				fmt.Printf("Next run:    %s\n", formatTime(next))
			}
			if s.LastError != "" {
				fmt.Printf("Last error:  %s\n", s.LastError)
			}
			if s.LastBatch() == "" {
				return
			}

			jobs, err := db.GetJobsByBatch(ctx, s.LastBatch())
			exitOnError(err, "failed to list batch jobs")
			fmt.Println(separator)
			fmt.Printf("Last batch %s:\n", s.LastBatch())
			for _, j := range jobs {
				fmt.Printf("  job %d  %s  %.1f%%\n", j.ID, j.Status, j.Progress)
			}
		})
	},
}

func init() {
	scheduleAddCmd.Flags().StringVar(&scheduleName, "name", "", "schedule name")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression (5 fields, or @daily / @every 6h)")
	scheduleAddCmd.Flags().StringVar(&scheduleMode, "mode", string(types.ModeNormal), "normal or incremental")
	scheduleAddCmd.Flags().StringVar(&scheduleFootprint, "footprint", "", "footprint used to find the newest acquired product (incremental mode)")
	scheduleAddCmd.Flags().StringArrayVarP(&scheduleParams, "param", "p", nil, "parameter override as node.key=value (repeatable)")
	scheduleAddCmd.Flags().BoolVar(&scheduleInactive, "inactive", false, "add the schedule disabled")
	scheduleAddCmd.MarkFlagRequired("cron")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleShowCmd, scheduleRemoveCmd,
		scheduleEnableCmd, scheduleDisableCmd, scheduleTriggerCmd)
	rootCmd.AddCommand(scheduleCmd)
}
