package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCmd applies pending database migrations and exits
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Open the configured database, apply any pending schema
migrations, and exit. The run command migrates automatically; this
command exists for deploy pipelines that migrate before rollout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")

		database, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Println("Database migrated")
		return nil
	},
}

func init() {
	MigrateCmd.Flags().String("db", "", "Database path (default: configured storage.path)")
}
