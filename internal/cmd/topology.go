package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var (
	nodeProcessors int
	nodeMemory     string
	nodeDisk       string
	nodeAffinity   string
	nodeInactive   bool
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Manage the processing nodes tasks are placed on",
	Long: `Manage the processing nodes tasks are placed on.

A running node picks up changes on its next sync (sync_interval).`,
}

func loadTopology(db *database.SQLiteManager) *core.TopologyManager {
	tm := core.NewTopologyManager(db, logger)
	exitOnError(tm.Load(context.Background()), "failed to load topology")
	return tm
}

var topologyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processing nodes",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()

		nodes := loadTopology(db).Nodes()
		if len(nodes) == 0 {
			fmt.Println("No processing nodes registered (the node registers this host on start)")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOSTNAME\tPROCESSORS\tMEMORY\tDISK\tAFFINITY\tACTIVE")
		for _, n := range nodes {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%t\n", n.ID, n.Hostname, n.Processors,
				byteSize(n.MemorySize), byteSize(n.DiskSize), n.Affinity, n.Active)
		}
		w.Flush()
	},
}

var topologyAddCmd = &cobra.Command{
	Use:   "add <hostname>",
	Short: "Register a processing node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n := &types.TopologyNode{
			Hostname:   args[0],
			Processors: nodeProcessors,
			Affinity:   nodeAffinity,
			Active:     !nodeInactive,
		}
		var err error
		if nodeMemory != "" {
			n.MemorySize, err = utils.ParseByteSize(nodeMemory)
			exitOnError(err, "invalid --memory")
		}
		if nodeDisk != "" {
			n.DiskSize, err = utils.ParseByteSize(nodeDisk)
			exitOnError(err, "invalid --disk")
		}

		db := openStore()
		defer db.Close()

		exitOnError(loadTopology(db).AddNode(context.Background(), n), "failed to add node")
		fmt.Printf("Processing node %s added (ID: %d)\n", n.Hostname, n.ID)
	},
}

var topologyRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Remove a processing node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "node")

		db := openStore()
		defer db.Close()

		exitOnError(loadTopology(db).RemoveNode(context.Background(), id), "failed to remove node")
		fmt.Printf("Processing node %d removed\n", id)
	},
}

func setNodeActive(active bool) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "node")

		db := openStore()
		defer db.Close()

		exitOnError(loadTopology(db).SetActive(context.Background(), id, active), "failed to update node")
		if active {
			fmt.Printf("Processing node %d activated\n", id)
		} else {
			fmt.Printf("Processing node %d deactivated\n", id)
		}
	}
}

var topologyActivateCmd = &cobra.Command{
	Use:   "activate <node-id>",
	Short: "Allow tasks to be placed on a node",
	Args:  cobra.ExactArgs(1),
	Run:   setNodeActive(true),
}

var topologyDeactivateCmd = &cobra.Command{
	Use:   "deactivate <node-id>",
	Short: "Stop placing new tasks on a node",
	Args:  cobra.ExactArgs(1),
	Run:   setNodeActive(false),
}

var topologyImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import processing nodes from a YAML file",
	Long: `Import processing nodes listed under "nodes:".

  nodes:
    - hostname: worker-1
      processors: 16
      memory_size: 64gb
      disk_size: 2tb
    - hostname: gpu-1
      processors: 8
      affinity: gpu`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		exitOnError(err, "failed to open %s", args[0])
		defer f.Close()

		db := openStore()
		defer db.Close()

		count, err := loadTopology(db).ImportYAML(context.Background(), f)
		exitOnError(err, "import stopped after %d nodes", count)
		fmt.Printf("Imported %d processing nodes\n", count)
	},
}

func byteSize(n int64) string {
	const unit = 1024
	if n == 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	topologyAddCmd.Flags().IntVar(&nodeProcessors, "processors", 1, "number of task slots")
	topologyAddCmd.Flags().StringVar(&nodeMemory, "memory", "", "memory size, e.g. 32gb")
	topologyAddCmd.Flags().StringVar(&nodeDisk, "disk", "", "disk size, e.g. 1tb")
	topologyAddCmd.Flags().StringVar(&nodeAffinity, "affinity", "", "only tasks asking for this affinity run here")
	topologyAddCmd.Flags().BoolVar(&nodeInactive, "inactive", false, "register the node deactivated")

	topologyCmd.AddCommand(topologyListCmd, topologyAddCmd, topologyRemoveCmd, topologyActivateCmd, topologyDeactivateCmd, topologyImportCmd)
	rootCmd.AddCommand(topologyCmd)
}
