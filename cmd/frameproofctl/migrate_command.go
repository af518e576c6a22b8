package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"frameproof/internal/storage"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := ctx.dsn()
			if err != nil {
				return err
			}
			applied, err := storage.Migrate(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s): %v\n", len(applied), applied)
			return nil
		},
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := ctx.dsn()
			if err != nil {
				return err
			}
			states, err := storage.MigrationStatus(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(states))
			for _, state := range states {
				applied := "pending"
				if state.Applied {
					applied = "applied " + humanize.Time(state.AppliedAt)
				}
				rows = append(rows, []string{strconv.FormatInt(state.Version, 10), state.Path, applied})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Version", "File", "State"}, rows, []columnAlignment{alignRight}))
			return nil
		},
	})
	return migrateCmd
}
