package main

import (
	"context"
	"fmt"
	"os"
	"sort"
)

func RunAuditQuotas(args []string) {
	db := openDatabase(args)
	defer db.Close()

	ctx := context.Background()
	products, err := db.ListProducts(ctx, "")
	if err != nil {
		fmt.Printf("Failed to list products: %v\n", err)
		os.Exit(1)
	}
	quotas, err := db.ListQuotas(ctx)
	if err != nil {
		fmt.Printf("Failed to list quotas: %v\n", err)
		os.Exit(1)
	}

	// every reference holds exactly one charge of the product's size
	expected := make(map[string]int64)
	for _, p := range products {
		for _, user := range p.References {
			expected[user] += p.ApproxSize
		}
	}

	used := make(map[string]int64, len(quotas))
	for _, q := range quotas {
		used[q.UserID] = q.UsedInput
		if _, ok := expected[q.UserID]; !ok {
			expected[q.UserID] = 0
		}
	}

	users := make([]string, 0, len(expected))
	for user := range expected {
		users = append(users, user)
	}
	sort.Strings(users)

	drifted := 0
	fmt.Printf("%-24s %16s %16s\n", "USER", "USED INPUT", "REFERENCED")
	for _, user := range users {
		marker := ""
		if used[user] != expected[user] {
			marker = "  <- drift"
			drifted++
		}
		fmt.Printf("%-24s %16d %16d%s\n", user, used[user], expected[user], marker)
	}

	if drifted > 0 {
		fmt.Printf("\n%d users have drifted quotas\n", drifted)
		os.Exit(2)
	}
	fmt.Println("\nAll quotas match their product references")
}
