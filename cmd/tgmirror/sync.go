package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmaltsev/tgmirror/internal/config"
	"github.com/dmaltsev/tgmirror/internal/engine"
	"github.com/dmaltsev/tgmirror/internal/migrate"
	"github.com/dmaltsev/tgmirror/internal/source"
	"github.com/dmaltsev/tgmirror/internal/store"
)

var syncCmd = &cobra.Command{
	Use:     "sync [chat...]",
	GroupID: "sync",
	Short:   "Run a two-pass incremental sync for each configured scope",
	Long: `Reconcile the mirror with the message source.

For every scope, a run catches up on messages newer than the checkpoint,
re-scans the edit lookback window for changed or deleted messages, tombstones
messages that disappeared from the window, and finally advances the
checkpoint.

Scopes come from positional arguments (chat names, @handles, or t.me URLs),
a --scopes file, or the config file, in that order of preference.

The message source is a JSONL capture file (--from), typically produced by a
separate collector or a previous "tgmirror export jsonl" run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}

		fromPath, _ := cmd.Flags().GetString("from")
		if fromPath == "" {
			return fmt.Errorf("--from is required (JSONL capture to sync from)")
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

		retention := cfg.Retention()
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			retention, err = parseSince(since)
			if err != nil {
				return err
			}
		}

		rec := engine.New(db, src, engine.Options{
			Retention:  retention,
			Lookback:   cfg.Lookback(),
			FlushEvery: cfg.FlushEvery,
		}, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		// One writer per scope; SQLite serializes cross-scope writes under
		// busy_timeout.
		g.SetLimit(4)
		for _, sc := range scopes {
			sc := sc
			g.Go(func() error {
				stats, err := rec.Run(gctx, sc)
				if err != nil {
					return fmt.Errorf("sync of %s failed: %w", sc, err)
				}
				fmt.Printf("%s: scanned=%d created=%d updated=%d unchanged=%d tombstoned=%d checkpoint=%d\n",
					sc, stats.Scanned, stats.Created, stats.Updated, stats.Unchanged,
					stats.Tombstoned, stats.MaxMessageID)
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	syncCmd.Flags().String("from", "", "JSONL capture file to sync from")
	syncCmd.Flags().String("scopes", "", "YAML scopes file")
	syncCmd.Flags().String("since", "", `Override retention with a natural date ("2 weeks ago", "last monday")`)
	rootCmd.AddCommand(syncCmd)
}

// parseSince turns a natural-language date into a retention duration
// anchored at now.
func parseSince(s string) (time.Duration, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	now := time.Now()
	res, err := w.Parse(s, now)
	if err != nil {
		return 0, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if res == nil || !res.Time.Before(now) {
		return 0, fmt.Errorf("--since %q did not resolve to a past time", s)
	}
	return now.Sub(res.Time), nil
}

// resolveScopes turns CLI args, a scopes file, or the config into store
// scopes. Positional args win.
func resolveScopes(cmd *cobra.Command, cfg *config.Config, args []string) ([]store.Scope, error) {
	var entries []config.ScopeConfig
	switch {
	case len(args) > 0:
		for _, a := range args {
			chat, topic, err := config.ParseChatIdentifier(a)
			if err != nil {
				return nil, err
			}
			entries = append(entries, config.ScopeConfig{Chat: chat, TopicID: topic})
		}
	default:
		if path, _ := cmd.Flags().GetString("scopes"); path != "" {
			loaded, err := config.LoadScopes(path)
			if err != nil {
				return nil, err
			}
			entries = loaded
		} else {
			entries = cfg.Scopes
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no scopes: pass chat names, --scopes, or configure them")
	}

	scopes := make([]store.Scope, 0, len(entries))
	for _, e := range entries {
		chat, urlTopic, err := config.ParseChatIdentifier(e.Chat)
		if err != nil {
			return nil, err
		}
		topic := int64(store.NoTopic)
		if e.TopicID != nil {
			topic = *e.TopicID
		} else if urlTopic != nil {
			topic = *urlTopic
		}
		scopes = append(scopes, store.Scope{ChatIdentifier: chat, TopicID: topic})
	}
	return scopes, nil
}

// openMigrated opens the mirror database and brings its schema up to date.
func openMigrated(ctx context.Context, path string) (*store.DB, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := migrate.Run(ctx, db.RawDB()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
