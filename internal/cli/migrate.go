package cli

import (
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/db"
	"github.com/gramvpn/provisioning-service/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			database, err := db.New(cmd.Context(), cfg, newLogger())
			if err != nil {
				return err
			}
			defer database.Close()

			applied, err := database.Migrate(cmd.Context(), migrations.Files)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat == "json" {
				return printJSON(out, map[string]interface{}{"applied": applied})
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "Schema is up to date.")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "Applied %s\n", name)
			}
			return nil
		},
	}
}
