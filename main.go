package main

import "github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/cmd"

func main() {
	cmd.Execute()
}
