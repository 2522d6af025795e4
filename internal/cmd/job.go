package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

var (
	jobStatuses []string
	jobAll      bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect workflow jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()

		user := currentUser()
		if jobAll {
			if !asAdmin {
				fmt.Println("Error: listing every user's jobs requires --admin")
				os.Exit(1)
			}
			user = ""
		}

		statuses := make([]types.ExecutionStatus, 0, len(jobStatuses))
		for _, s := range jobStatuses {
			statuses = append(statuses, types.ExecutionStatus(strings.ToUpper(s)))
		}

		jobs, err := db.GetJobs(context.Background(), user, statuses...)
		exitOnError(err, "failed to list jobs")
		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWORKFLOW\tUSER\tSTATUS\tPROGRESS\tSTARTED\tENDED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%.1f%%\t%s\t%s\n", j.ID, j.WorkflowID, j.UserID, j.Status, j.Progress,
				formatTime(j.StartedAt), formatTime(j.EndedAt))
		}
		w.Flush()
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its tasks",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "job")

		db := openStore()
		defer db.Close()

		ctx := context.Background()
		job, err := db.GetJob(ctx, id)
		exitOnError(err, "failed to get job")
		if job == nil || (job.UserID != currentUser() && !asAdmin) {
			fmt.Printf("Error: Job %d not found\n", id)
			os.Exit(1)
		}
		tasks, err := db.GetTasks(ctx, id)
		exitOnError(err, "failed to get tasks")

		progress := job.Progress
		if !job.Status.IsTerminal() {
			progress = core.AggregateProgress(tasks)
		}
		printJob(job, tasks, progress)
	},
}

func init() {
	jobListCmd.Flags().StringSliceVar(&jobStatuses, "status", nil, "only jobs in these statuses, e.g. RUNNING,FAILED")
	jobListCmd.Flags().BoolVar(&jobAll, "all", false, "list jobs of every user (admin)")

	jobCmd.AddCommand(jobListCmd, jobStatusCmd)
	rootCmd.AddCommand(jobCmd)
}
