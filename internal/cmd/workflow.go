package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/services"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

var workflowAll bool

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions and processing components",
}

var workflowImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a workflow definition",
	Long: `Import a workflow definition and the components it declares.

The file lists the workflow name, its nodes with their links, and optionally
the processing components the nodes reference:

  name: ndvi
  components:
    - id: fetch-s2
      kind: acquisition
      parameters:
        url: https://archive.example/S2_{date}.zip
  nodes:
    - id: fetch
      component: fetch-s2
      parameters:
        startDate: "2024-01-01"
        endDate: "2024-01-31"
    - id: index
      component: ndvi
      links:
        - {source: fetch, output: products, input: scenes}`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		exitOnError(err, "failed to open %s", args[0])
		defer f.Close()

		def, err := core.ParseWorkflowDefinition(f)
		exitOnError(err, "invalid workflow file")

		db := openStore()
		defer db.Close()

		// only the kinds matter for validation here
		registry := services.NewRegistry(
			services.NewAcquisitionExecutor(config, nil, nil, logger),
			services.NewCommandExecutor(config, logger),
			services.PassthroughExecutor{},
		)

		w, err := core.ImportWorkflow(principalContext(context.Background()), db, registry, def)
		exitOnError(err, "failed to import workflow")

		fmt.Printf("Imported workflow %q (ID: %d) with %d nodes and %d components\n", w.Name, w.ID, len(w.Nodes), len(def.Components))
		logger.Info(fmt.Sprintf("Imported workflow %s (ID: %d) for %s", w.Name, w.ID, w.OwnerID), "cli")
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows owned by the user",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()

		owner := currentUser()
		if workflowAll {
			owner = ""
		}
		workflows, err := db.ListWorkflows(context.Background(), owner)
		exitOnError(err, "failed to list workflows")

		if len(workflows) == 0 {
			fmt.Println("No workflows found")
			return
		}

		fmt.Println("Workflows:")
		fmt.Println(separator)
		for _, w := range workflows {
			fmt.Printf("\nID:          %d\n", w.ID)
			fmt.Printf("Name:        %s\n", w.Name)
			fmt.Printf("Owner:       %s\n", w.OwnerID)
			if w.Description != "" {
				fmt.Printf("Description: %s\n", w.Description)
			}
			fmt.Printf("Nodes:       %s\n", nodeSummary(w))
		}
		fmt.Println(separator)
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <workflow-id>",
	Short: "Show a workflow in execution order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "workflow")

		db := openStore()
		defer db.Close()

		w, err := db.GetWorkflow(context.Background(), id)
		exitOnError(err, "failed to get workflow")
		if w == nil {
			fmt.Printf("Error: Workflow %d not found\n", id)
			os.Exit(1)
		}

		graph, err := core.BuildGraph(w)
		exitOnError(err, "stored workflow %d is invalid", id)

		byID := make(map[string]*types.WorkflowNode, len(w.Nodes))
		for _, n := range w.Nodes {
			byID[n.ID] = n
		}

		fmt.Printf("Workflow: %s (ID: %d, owner: %s)\n", w.Name, w.ID, w.OwnerID)
		fmt.Println(separator)
		for _, nodeID := range graph.Order() {
			n := byID[nodeID]
			fmt.Printf("%s [%s]", n.ID, n.ComponentID)
			if deps := graph.Dependencies(nodeID); len(deps) > 0 {
				fmt.Printf(" <- %s", strings.Join(deps, ", "))
			}
			if n.FailurePolicy == types.ContinueOnError {
				fmt.Print(" (continue on error)")
			}
			fmt.Println()
			for k, v := range n.CustomValues {
				fmt.Printf("    %s = %s\n", k, v)
			}
		}
	},
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <workflow-id>",
	Short: "Delete a workflow definition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "workflow")

		db := openStore()
		defer db.Close()

		w, err := db.GetWorkflow(context.Background(), id)
		exitOnError(err, "failed to get workflow")
		if w == nil {
			fmt.Printf("Error: Workflow %d not found\n", id)
			os.Exit(1)
		}
		if w.OwnerID != currentUser() && !asAdmin {
			fmt.Printf("Error: Workflow %d belongs to %s\n", id, w.OwnerID)
			os.Exit(1)
		}

		exitOnError(db.DeleteWorkflow(context.Background(), id), "failed to delete workflow")
		fmt.Printf("Workflow %d deleted\n", id)
	},
}

var componentListCmd = &cobra.Command{
	Use:   "components",
	Short: "List processing components",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()

		components, err := db.ListComponents(context.Background())
		exitOnError(err, "failed to list components")

		if len(components) == 0 {
			fmt.Println("No components registered")
			return
		}
		for _, c := range components {
			fmt.Printf("%-20s %-12s %s\n", c.ID, c.Kind, c.Name)
		}
	},
}

func nodeSummary(w *types.Workflow) string {
	ids := make([]string, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		ids = append(ids, n.ID)
	}
	return strings.Join(ids, ", ")
}

func init() {
	workflowListCmd.Flags().BoolVar(&workflowAll, "all", false, "list workflows of every user")

	workflowCmd.AddCommand(workflowImportCmd, workflowListCmd, workflowShowCmd, workflowDeleteCmd, componentListCmd)
	rootCmd.AddCommand(workflowCmd)
}
