package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/events"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/locks"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Inspect and release acquired products",
}

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products referenced by the user",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()

		products, err := db.ListProducts(context.Background(), currentUser())
		exitOnError(err, "failed to list products")
		if len(products) == 0 {
			fmt.Println("No products found")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDATE\tSIZE\tSTATUS\tUSERS\tPATH")
		for _, p := range products {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.AcquisitionDate.Format("2006-01-02"),
				byteSize(p.ApproxSize), p.Status, len(p.References), p.LocalPath)
		}
		w.Flush()
	},
}

var productReleaseCmd = &cobra.Command{
	Use:   "release <product-id>",
	Short: "Drop the user's reference to a product and refund its size",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer db.Close()

		locker, err := locks.NewKeyedLocker(config, logger)
		exitOnError(err, "failed to initialize locks")
		if closer, ok := locker.(io.Closer); ok {
			defer closer.Close()
		}

		metrics := utils.NewMetrics()
		quotas := core.NewQuotaManager(db, locker, metrics, logger)
		acquisition := core.NewAcquisitionManager(db, quotas, locker, events.NewBus(config, logger), metrics, logger)

		exitOnError(acquisition.Release(context.Background(), args[0], currentUser()), "failed to release product")
		fmt.Printf("Product %s released for %s\n", args[0], currentUser())
	},
}

func init() {
	productCmd.AddCommand(productListCmd, productReleaseCmd)
	rootCmd.AddCommand(productCmd)
}
