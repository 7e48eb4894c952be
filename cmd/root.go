package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/multibot-io/multibot/internal/logging"
)

// Version is set at build time via -ldflags "-X github.com/multibot-io/multibot/cmd.Version=v1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "multibot",
	Short: "multibot — multi-tenant Telegram bot supervisor",
	Long: "multibot hosts a fleet of Telegram bots in one process: per-bot YAML\n" +
		"configs, a shared plugin registry, polling or webhook delivery, usage\n" +
		"stats, token billing, and hot reload without a restart.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is the normal case outside compose setups.
		_ = godotenv.Load()
		logging.Setup(logging.Options{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		runSupervisor()
	},
}

func init() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("multibot %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
