// Command tgmirror maintains a local mirror of remote chat logs: incremental
// two-pass sync, schema migrations, content-addressed deduplication, exports,
// and maintenance tooling around a SQLite store.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/config"
	"github.com/dmaltsev/tgmirror/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "tgmirror",
	Short: "Incremental chat log mirror with dedup and migrations",
	Long: `tgmirror keeps a local SQLite mirror of remote chat logs.

Each sync run reconciles new messages since the last checkpoint, re-scans a
trailing window for edits and deletions, tombstones messages that vanished,
and advances the checkpoint only once the run fully completed. On top of the
mirror it offers content-addressed deduplication, CSV/JSONL export, database
merging, backups, and a live dashboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("db", "", "Mirror database path (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable console logs")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "data", Title: "Data management:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
}

// loadRuntime builds the config and logger every command starts from.
func loadRuntime(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}

	level, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")
	logger := logging.New(logging.Options{
		Level:  level,
		Dir:    cfg.LogDir,
		Pretty: pretty,
	})
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
