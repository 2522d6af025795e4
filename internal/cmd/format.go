package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

const separator = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// parseOverrides turns repeated node.key=value flags into per-node parameter overrides
func parseOverrides(params []string) (types.ParameterOverrides, error) {
	overrides := types.ParameterOverrides{}
	for _, p := range params {
		target, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q is not node.key=value", p)
		}
		nodeID, key, ok := strings.Cut(target, ".")
		if !ok || nodeID == "" || key == "" {
			return nil, fmt.Errorf("parameter %q is not node.key=value", p)
		}
		if overrides[nodeID] == nil {
			overrides[nodeID] = map[string]string{}
		}
		overrides[nodeID][key] = value
	}
	return overrides, nil
}

func parseID(raw string, what string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		fmt.Printf("Error: Invalid %s ID: %s\n", what, raw)
		os.Exit(1)
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printJob(job *types.ExecutionJob, tasks []*types.ExecutionTask, progress float64) {
	fmt.Printf("Job:         %d\n", job.ID)
	fmt.Printf("Workflow:    %d\n", job.WorkflowID)
	fmt.Printf("User:        %s\n", job.UserID)
	fmt.Printf("Status:      %s\n", job.Status)
	fmt.Printf("Progress:    %.1f%%\n", progress)
	if job.BatchID != "" {
		fmt.Printf("Batch:       %s\n", job.BatchID)
	}
	fmt.Printf("Started:     %s\n", formatTime(job.StartedAt))
	fmt.Printf("Ended:       %s\n", formatTime(job.EndedAt))
	if job.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", job.ErrorMessage)
	}

	if len(tasks) == 0 {
		return
	}
	fmt.Println(separator)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tNODE\tSTATUS\tPROGRESS\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%s\n", t.ID, t.NodeID, t.Status, t.Percent, t.ErrorMessage)
	}
	w.Flush()
}
