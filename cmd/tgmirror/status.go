package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/health"
	"github.com/dmaltsev/tgmirror/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maintenance",
	Short:   "Show mirror database health and disk usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime(cmd)
		if err != nil {
			return err
		}

		rep := health.CheckDatabase(cmd.Context(), cfg.DBPath)

		var state string
		switch rep.Status {
		case health.StatusHealthy:
			state = ui.OK(string(rep.Status))
		case health.StatusWarning:
			state = ui.Warn(string(rep.Status))
		default:
			state = ui.Error(string(rep.Status))
		}

		fmt.Println(ui.Header("Mirror database"))
		pairs := [][2]string{
			{"path", rep.Path},
			{"status", state},
		}
		if rep.Message != "" {
			pairs = append(pairs, [2]string{"detail", rep.Message})
		}
		if rep.HasTable {
			pairs = append(pairs,
				[2]string{"messages", fmt.Sprintf("%d (%d tombstoned)", rep.MessageCount, rep.Tombstoned)},
				[2]string{"integrity", rep.Integrity},
				[2]string{"size", fmt.Sprintf("%.2f MB", rep.FileSizeMB)},
			)
			if rep.EarliestDate != nil && rep.LatestDate != nil {
				pairs = append(pairs, [2]string{"range", fmt.Sprintf("%s .. %s",
					rep.EarliestDate.Format(time.RFC3339), rep.LatestDate.Format(time.RFC3339))})
			}
		}
		fmt.Print(ui.KV(pairs))

		sys, err := health.CheckSystem(".")
		if err != nil {
			return err
		}
		fmt.Println(ui.Header("System"))
		fmt.Print(ui.KV([][2]string{
			{"disk free", fmt.Sprintf("%.2f GB of %.2f GB", sys.DiskFreeGB, sys.DiskTotalGB)},
			{"disk used", fmt.Sprintf("%.1f%%", sys.DiskUsedPercent)},
		}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
