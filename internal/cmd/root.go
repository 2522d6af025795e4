package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/core"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var (
	configPath string
	userID     string
	asAdmin    bool
	logLevel   string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "eo-pipeline",
	Short: "Earth-observation pipeline node",
	Long: `A node that acquires Earth-observation products and runs processing workflows over them.

Products are shared between users and charged against per-user quotas, workflows
run as dependency graphs over the registered topology, and schedules re-run
workflows on a cron cadence.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = utils.NewConfigManager(configPath)
		logger = utils.NewLogsManager(config)
		if logLevel != "" {
			exitOnError(logger.SetLogLevel(logLevel), "--log-level")
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user to act as (defaults to the OS user)")
	rootCmd.PersistentFlags().BoolVar(&asAdmin, "admin", false, "act with the admin role")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config (trace, debug, info, warn, error)")
}

// currentUser is the --user flag, falling back to the OS account name
func currentUser() string {
	if userID != "" {
		return userID
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "local"
}

// principalContext returns ctx acting as the --user / --admin principal
func principalContext(ctx context.Context) context.Context {
	p := types.Principal{UserID: currentUser()}
	if asAdmin {
		p.Roles = []string{core.RoleAdmin}
	}
	return core.WithPrincipal(ctx, p)
}

func exitOnError(err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("Error: %s: %v\n", msg, err)
	if logger != nil {
		logger.Error(fmt.Sprintf("%s: %v", msg, err), "cli")
		logger.Close()
	}
	os.Exit(1)
}
