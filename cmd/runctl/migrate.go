package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"storyrun-backend/internal/database"
)

var (
	databaseURL   string
	migrateStatus bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if databaseURL == "" {
			return fmt.Errorf("--database-url or DATABASE_URL is required")
		}
		db, err := database.Open(cmd.Context(), databaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		migrator := database.NewMigrator(db)
		if !migrateStatus {
			if err := migrator.Run(cmd.Context()); err != nil {
				return err
			}
		}

		states, err := migrator.Status(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MIGRATION\tAPPLIED")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%t\n", s.Name, s.Applied)
		}
		return w.Flush()
	},
}

func init() {
	migrateCmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Only report which migrations are applied")
	rootCmd.AddCommand(migrateCmd)
}
