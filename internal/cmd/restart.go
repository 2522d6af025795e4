package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the pipeline node in the background",
	Long:  "Stop the running pipeline node gracefully, if any, and start it again as a detached process",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		pidManager := utils.NewPIDManager(config)

		pid, err := pidManager.ReadPID()
		switch {
		case err == nil && pidManager.IsProcessRunning(pid):
			fmt.Printf("Found running node with PID: %d\n", pid)
			fmt.Println("Stopping node...")
			exitOnError(pidManager.StopProcess(pid), "failed to stop process %d", pid)
			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
			}
			logger.Info("Node stopped successfully", "cli")
			time.Sleep(2 * time.Second)
		case err == nil:
			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
			}
			fallthrough
		default:
			fmt.Println("No running node found, starting fresh...")
		}

		exePath, err := os.Executable()
		exitOnError(err, "failed to get executable path")

		startArgs := []string{"start"}
		if configPath != "" {
			startArgs = append(startArgs, "--config", configPath)
		}

		child := exec.Command(exePath, startArgs...)
		exitOnError(child.Start(), "failed to start node")
		if err := child.Process.Release(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to detach process: %v", err), "cli")
		}

		msg := "EO pipeline node restarted (the new process writes its own PID file)"
		fmt.Println(msg)
		logger.Info(msg, "cli")
	},
}

func init() {
	rootCmd.AddCommand(restartCmd)
}
