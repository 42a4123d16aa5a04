package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/cleanup"
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "maintenance",
	Short:   "Remove stale temp files, old logs, and aged archives",
	Long: `Run one maintenance pass over the working directory: delete temporary
database files, rotate out old logs, age out archived backups, and optionally
VACUUM every mirror database found. Unremovable files are logged and
skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}

		var opts cleanup.Options
		opts.TempDays, _ = cmd.Flags().GetInt("temp-days")
		opts.LogDays, _ = cmd.Flags().GetInt("log-days")
		opts.ArchiveDays, _ = cmd.Flags().GetInt("archive-days")
		opts.Vacuum, _ = cmd.Flags().GetBool("vacuum")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

		stats, err := cleanup.Run(cmd.Context(), opts, logger)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d temp files, %d logs, %d archived files; vacuumed %d databases\n",
			stats.TempFiles, stats.LogFiles, stats.ArchivedFiles, stats.Vacuumed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("temp-days", 7, "Remove temp files older than this many days")
	cleanupCmd.Flags().Int("log-days", 30, "Keep logs for this many days")
	cleanupCmd.Flags().Int("archive-days", 90, "Remove archived files older than this many days")
	cleanupCmd.Flags().Bool("vacuum", false, "Also VACUUM every mirror database found")
	cleanupCmd.Flags().Bool("dry-run", false, "Report without removing anything")
	rootCmd.AddCommand(cleanupCmd)
}
