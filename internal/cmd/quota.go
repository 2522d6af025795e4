package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var (
	quotaInput      string
	quotaProcessing int64
	quotaCPU        int
	quotaMemory     string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and set user quotas",
}

// withQuotaManager runs fn against a quota manager sharing the node's lock backend
func withQuotaManager(fn func(qm *core.QuotaManager, db *database.SQLiteManager)) {
	db := openStore()
	defer db.Close()

	locker, err := locks.NewKeyedLocker(config, logger)
	exitOnError(err, "failed to initialize locks")
	if closer, ok := locker.(io.Closer); ok {
		defer closer.Close()
	}

	fn(core.NewQuotaManager(db, locker, utils.NewMetrics(), logger), db)
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <user>",
	Short: "Set a user's allowances (admin)",
	Long: `Set a user's allowances. Consumption is kept.

  eo-pipeline quota set alice --input 500gb --processing 100 --admin

A processing allowance of 0 means unlimited jobs.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !asAdmin {
			fmt.Println("Error: setting quotas requires --admin")
			os.Exit(1)
		}

		q := &types.Quota{UserID: args[0], AllowedProcessing: quotaProcessing, AllowedCPU: quotaCPU}
		var err error
		q.AllowedInput, err = utils.ParseByteSize(quotaInput)
		exitOnError(err, "invalid --input")
		if quotaMemory != "" {
			q.AllowedMemory, err = utils.ParseByteSize(quotaMemory)
			exitOnError(err, "invalid --memory")
		}

		withQuotaManager(func(qm *core.QuotaManager, _ *database.SQLiteManager) {
			exitOnError(qm.SetAllowances(context.Background(), q), "failed to set quota")
			current, err := qm.Get(context.Background(), q.UserID)
			exitOnError(err, "failed to read quota")
			printQuotas([]*types.Quota{current})
		})
	},
}

var quotaShowCmd = &cobra.Command{
	Use:   "show [user]",
	Short: "Show a user's allowances and consumption",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		user := currentUser()
		if len(args) == 1 {
			user = args[0]
		}
		withQuotaManager(func(qm *core.QuotaManager, _ *database.SQLiteManager) {
			q, err := qm.Get(context.Background(), user)
			exitOnError(err, "failed to read quota")
			printQuotas([]*types.Quota{q})
		})
	},
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every user's quota",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		withQuotaManager(func(_ *core.QuotaManager, db *database.SQLiteManager) {
			quotas, err := db.ListQuotas(context.Background())
			exitOnError(err, "failed to list quotas")
			if len(quotas) == 0 {
				fmt.Println("No quotas set")
				return
			}
			printQuotas(quotas)
		})
	},
}

func printQuotas(quotas []*types.Quota) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tINPUT USED\tINPUT ALLOWED\tJOBS\tJOBS ALLOWED")
	for _, q := range quotas {
		allowedJobs := fmt.Sprintf("%d", q.AllowedProcessing)
		if q.AllowedProcessing == 0 {
			allowedJobs = "unlimited"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", q.UserID, byteSize(q.UsedInput), byteSize(q.AllowedInput), q.UsedProcessing, allowedJobs)
	}
	w.Flush()
}

func init() {
	quotaSetCmd.Flags().StringVar(&quotaInput, "input", "0", "input allowance, e.g. 500gb")
	quotaSetCmd.Flags().Int64Var(&quotaProcessing, "processing", 0, "number of jobs allowed (0 = unlimited)")
	quotaSetCmd.Flags().IntVar(&quotaCPU, "cpu", 0, "CPU allowance")
	quotaSetCmd.Flags().StringVar(&quotaMemory, "memory", "", "memory allowance, e.g. 16gb")

	quotaCmd.AddCommand(quotaSetCmd, quotaShowCmd, quotaListCmd)
	rootCmd.AddCommand(quotaCmd)
}
