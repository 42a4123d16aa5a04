package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/engine"
	"github.com/dmaltsev/tgmirror/internal/source"
)

var backfillCmd = &cobra.Command{
	Use:     "backfill [chat...]",
	GroupID: "sync",
	Short:   "Ingest a scope's full history with no time cutoff",
	Long: `Ingest everything the source has for each scope, oldest to newest
coverage, with no retention cutoff, no lookback pass, and no tombstoning.
Use once when adopting a chat; ordinary syncs take over afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		fromPath, _ := cmd.Flags().GetString("from")
		if fromPath == "" {
			return fmt.Errorf("--from is required (JSONL capture to backfill from)")
		}
		scopes, err := resolveScopes(cmd, cfg, args)
		if err != nil {
			return err
		}

		db, err := openMigrated(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		src, err := source.OpenReplay(fromPath)
		if err != nil {
			return err
		}
		rec := engine.New(db, src, engine.Options{
			Retention:  cfg.Retention(),
			FlushEvery: cfg.FlushEvery,
		}, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		for _, sc := range scopes {
			stats, err := rec.Backfill(ctx, sc)
			if err != nil {
				return fmt.Errorf("backfill of %s failed: %w", sc, err)
			}
			fmt.Printf("%s: scanned=%d created=%d updated=%d checkpoint=%d\n",
				sc, stats.Scanned, stats.Created, stats.Updated, stats.MaxMessageID)
		}
		return nil
	},
}

func init() {
	backfillCmd.Flags().String("from", "", "JSONL capture file to backfill from")
	backfillCmd.Flags().String("scopes", "", "YAML scopes file")
	rootCmd.AddCommand(backfillCmd)
}
