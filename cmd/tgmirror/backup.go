package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:     "backup [file...]",
	GroupID: "maintenance",
	Short:   "Create timestamped backups of the mirror database",
	Long: `Snapshot the configured mirror database into the backup directory via
VACUUM INTO, producing a consistent compacted copy even while a sync run is
writing. Additional file arguments (configs, exports) are copied alongside
with the same timestamped naming.

With --keep-days, backups older than the given age are pruned afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}

		dst, err := backup.Database(cmd.Context(), cfg.DBPath, cfg.BackupDir, logger)
		if err != nil {
			return err
		}
		fmt.Printf("Backed up %s -> %s\n", cfg.DBPath, dst)

		for _, extra := range args {
			dst, err := backup.File(extra, cfg.BackupDir, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Backed up %s -> %s\n", extra, dst)
		}

		if keepDays, _ := cmd.Flags().GetInt("keep-days"); keepDays > 0 {
			removed, err := backup.Prune(cfg.BackupDir, keepDays, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d backups older than %d days\n", removed, keepDays)
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().Int("keep-days", 0, "Also prune backups older than this many days")
	rootCmd.AddCommand(backupCmd)
}
