package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/database"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

func openDatabase(args []string) *database.SQLiteManager {
	configPath := ""
	if len(args) > 0 {
		configPath = args[0]
	}
	config := utils.NewConfigManager(configPath)

	db, err := database.NewSQLiteManager(config, utils.NewDiscardLogsManager())
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func RunVerifyProducts(args []string) {
	db := openDatabase(args)
	defer db.Close()

	products, err := db.ListProducts(context.Background(), "")
	if err != nil {
		fmt.Printf("Failed to list products: %v\n", err)
		os.Exit(1)
	}

	var checked, missing, mismatched int
	for _, p := range products {
		if p.Status != types.ProductDownloaded {
			continue
		}
		checked++

		if exists, _ := utils.PathExists(p.LocalPath); !exists {
			missing++
			fmt.Printf("MISSING   %s  %s\n", p.ID, p.LocalPath)
			continue
		}
		if p.Checksum == "" {
			// directory products carry no checksum
			continue
		}

		sum, err := utils.HashFile(p.LocalPath)
		if err != nil {
			fmt.Printf("ERROR     %s  %v\n", p.ID, err)
			continue
		}
		if sum != p.Checksum {
			mismatched++
			fmt.Printf("MISMATCH  %s  %s\n", p.ID, p.LocalPath)
		}
	}

	fmt.Printf("\nChecked %d downloaded products: %d missing, %d checksum mismatches\n", checked, missing, mismatched)
	if missing+mismatched > 0 {
		os.Exit(2)
	}
}
