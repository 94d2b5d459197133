package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emberworks/cadent/cmd/cadentd/commands"
	"github.com/emberworks/cadent/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadentd",
	Short: "cadent - background job scheduler and credential lifecycle daemon",
	Long: `cadent - background job scheduling and OAuth credential lifecycle.

cadentd runs the durable job queue, the scheduler loop, the recurring
job runner, and the proactive credential refresh sweeps for a marketing
automation backend.

Available commands:
  run      - Run the scheduler daemon in the foreground
  migrate  - Apply pending database migrations
  version  - Show version information

Examples:
  cadentd run                  # Start the daemon
  cadentd run --workers 8      # Start with 8 concurrent workers
  cadentd migrate              # Migrate the database and exit`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v, -vv)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
