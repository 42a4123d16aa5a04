package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:     "merge <source.db> [source.db...]",
	GroupID: "data",
	Short:   "Merge mirror databases into the configured mirror",
	Long: `Fold the messages of one or more mirror databases into the configured
mirror through the same change-detecting upsert a sync run uses. Identical
rows are left untouched, changed rows are updated, and merging the same
sources again is a no-op.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		db, err := openMigrated(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := merge.Databases(cmd.Context(), db, args, logger)
		if err != nil {
			return err
		}
		fmt.Printf("Merged %d databases: scanned=%d created=%d updated=%d unchanged=%d\n",
			stats.Sources, stats.Scanned, stats.Created, stats.Updated, stats.Unchanged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
