package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "verify-products":
		RunVerifyProducts(args)
	case "audit-quotas":
		RunAuditQuotas(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  verify-products [config_path]")
	fmt.Println("    Re-hash every downloaded product and compare it with the stored checksum")
	fmt.Println("    Example: go run ./scripts verify-products")
	fmt.Println("")
	fmt.Println("  audit-quotas [config_path]")
	fmt.Println("    Compare each user's used input with the sizes of the products they reference")
	fmt.Println("    Example: go run ./scripts audit-quotas ~/.config/eo-pipeline/configs")
}
