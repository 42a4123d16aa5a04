package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/migrate"
	"github.com/dmaltsev/tgmirror/internal/store"
	"github.com/dmaltsev/tgmirror/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maintenance",
	Short:   "Apply pending schema migrations",
	Long: `Bring the mirror database schema up to the current version.

Migrations apply in ascending version order, each in its own transaction,
and record themselves in the schema version ledger. A store whose unique
constraint predates topic support is rebuilt first, keeping the earliest row
per (chat, message) group.

With --check, report the schema status without changing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		checkOnly, _ := cmd.Flags().GetBool("check")
		if checkOnly {
			st, err := migrate.Check(cmd.Context(), db.RawDB())
			if err != nil {
				return err
			}
			state := ui.OK("up to date")
			if !st.UpToDate() {
				state = ui.Warn(fmt.Sprintf("%d pending", len(st.Pending)))
			}
			fmt.Print(ui.KV([][2]string{
				{"database", cfg.DBPath},
				{"current version", fmt.Sprintf("%d", st.CurrentVersion)},
				{"latest version", fmt.Sprintf("%d", st.LatestVersion)},
				{"status", state},
			}))
			return nil
		}

		before, err := migrate.Check(cmd.Context(), db.RawDB())
		if err != nil {
			return err
		}
		if err := migrate.Run(cmd.Context(), db.RawDB()); err != nil {
			return err
		}
		logger.Info().
			Int("from", before.CurrentVersion).
			Int("to", migrate.LatestVersion()).
			Msg("migrations applied")
		fmt.Printf("Schema at version %d\n", migrate.LatestVersion())
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("check", false, "Report schema status without migrating")
	rootCmd.AddCommand(migrateCmd)
}
