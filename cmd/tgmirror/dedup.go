package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/dedup"
	"github.com/dmaltsev/tgmirror/internal/store"
)

var dedupCmd = &cobra.Command{
	Use:     "dedup [mirror.db...]",
	GroupID: "data",
	Short:   "Fold mirror databases into the deduplicated aggregate",
	Long: `Build or extend the aggregate posts database by folding one or more
mirror databases through the content-addressed deduplicator.

Each live, non-service message canonicalizes to a whitespace-normalized body
and hashes to an identity under the chosen key. The first occurrence of an
identity fixes the post text; later occurrences only extend the seen date
range and add provenance. Re-running over the same inputs changes nothing.

With no arguments the configured mirror database is folded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}

		key, _ := cmd.Flags().GetString("dedupe-key")
		if key == "" {
			key = cfg.DedupeKey
		}
		mode, err := dedup.ParseMode(key)
		if err != nil {
			return err
		}

		paths := args
		if len(paths) == 0 {
			paths = []string{cfg.DBPath}
		}

		agg, err := dedup.OpenAggregate(cfg.AggregateDBPath, mode)
		if err != nil {
			return err
		}
		defer agg.Close()

		for _, path := range paths {
			src, err := store.Open(path)
			if err != nil {
				return err
			}
			stats, err := agg.FoldFrom(cmd.Context(), src, path)
			src.Close()
			if err != nil {
				return err
			}
			logger.Info().
				Str("source", path).
				Int("scanned", stats.Scanned).
				Int("new_posts", stats.Posts).
				Int("merged", stats.Merged).
				Int("skipped", stats.Skipped).
				Msg("folded mirror into aggregate")
			fmt.Printf("%s: scanned=%d new=%d merged=%d skipped=%d\n",
				path, stats.Scanned, stats.Posts, stats.Merged, stats.Skipped)
		}

		total, err := agg.PostCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Aggregate %s now holds %d posts\n", cfg.AggregateDBPath, total)
		return nil
	},
}

func init() {
	dedupCmd.Flags().String("dedupe-key", "", "Identity parts: text, text+sender, text+sender+day")
	rootCmd.AddCommand(dedupCmd)
}
