package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/config"
	"github.com/dmaltsev/tgmirror/internal/dedup"
	"github.com/dmaltsev/tgmirror/internal/export"
	"github.com/dmaltsev/tgmirror/internal/store"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export the mirror to CSV or JSONL",
}

var exportCSVCmd = &cobra.Command{
	Use:   "csv [output.csv]",
	Short: "Dump every message to a spreadsheet-friendly CSV",
	Long: `Write all messages in chronological order to a CSV file with a UTF-8
BOM so spreadsheets detect the encoding. With --dedupe, only the first
occurrence per content identity is kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		out := "telegram_messages.csv"
		if len(args) == 1 {
			out = args[0]
		}

		var opts export.CSVOptions
		opts.Dedupe, _ = cmd.Flags().GetBool("dedupe")
		if opts.Dedupe {
			key, _ := cmd.Flags().GetString("dedupe-key")
			opts.Mode, err = dedup.ParseMode(key)
			if err != nil {
				return err
			}
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out, err)
		}
		defer f.Close()

		n, err := export.WriteCSV(cmd.Context(), db, f, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d rows to %s\n", n, out)
		return nil
	},
}

var exportJSONLCmd = &cobra.Command{
	Use:   "jsonl [output.jsonl]",
	Short: "Export cleaned message text as JSON lines",
	Long: `Write filtered messages as one JSON object per line, chronologically
ordered, with cleaned multi-line text. The output format round-trips: a later
"tgmirror sync --from" run can ingest it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		out := "chatgpt_export.jsonl"
		if len(args) == 1 {
			out = args[0]
		}

		var opts export.JSONLOptions
		if chat, _ := cmd.Flags().GetString("chat"); chat != "" {
			ident, urlTopic, err := config.ParseChatIdentifier(chat)
			if err != nil {
				return err
			}
			opts.ChatIdentifier = ident
			opts.TopicID = urlTopic
		}
		if cmd.Flags().Changed("topic") {
			topic, _ := cmd.Flags().GetInt64("topic")
			opts.TopicID = &topic
		}
		opts.IncludeDeleted, _ = cmd.Flags().GetBool("include-deleted")
		opts.IncludeService, _ = cmd.Flags().GetBool("include-service")
		opts.MinChars, _ = cmd.Flags().GetInt("min-chars")
		opts.SkipHashtagOnly, _ = cmd.Flags().GetBool("skip-hashtag-only")
		opts.Dedupe, _ = cmd.Flags().GetBool("dedupe")
		if opts.Dedupe {
			key, _ := cmd.Flags().GetString("dedupe-key")
			opts.Mode, err = dedup.ParseMode(key)
			if err != nil {
				return err
			}
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out, err)
		}
		defer f.Close()

		n, err := export.WriteJSONL(cmd.Context(), db, f, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d records to %s\n", n, out)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{exportCSVCmd, exportJSONLCmd} {
		c.Flags().Bool("dedupe", false, "Keep only the first message per content identity")
		c.Flags().String("dedupe-key", "text", "Identity parts: text, text+sender, text+sender+day")
	}
	exportJSONLCmd.Flags().String("chat", "", "Restrict to one chat (name, @handle, or t.me URL)")
	exportJSONLCmd.Flags().Int64("topic", 0, "Restrict to one topic id")
	exportJSONLCmd.Flags().Bool("include-deleted", false, "Keep tombstoned messages")
	exportJSONLCmd.Flags().Bool("include-service", false, "Keep service messages")
	exportJSONLCmd.Flags().Int("min-chars", 0, "Drop messages shorter than this after cleaning")
	exportJSONLCmd.Flags().Bool("skip-hashtag-only", false, "Drop messages that are only hashtags")

	exportCmd.AddCommand(exportCSVCmd, exportJSONLCmd)
	rootCmd.AddCommand(exportCmd)
}
