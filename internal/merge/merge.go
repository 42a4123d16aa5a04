// Package merge folds several mirror databases into one through the same
// change-detecting upsert path a sync run uses, so merging is idempotent and
// never regresses newer data already in the destination.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// batchSize bounds the per-transaction row count while folding a source.
const batchSize = 500

// Stats aggregates the outcome of merging one or more source databases.
type Stats struct {
	Sources   int
	Scanned   int
	Created   int
	Updated   int
	Unchanged int
}

// Databases merges every source database into dst. The destination must
// already be migrated. Sources are processed in order; a failure stops the
// merge but leaves previously committed batches in place.
func Databases(ctx context.Context, dst *store.DB, sourcePaths []string, logger zerolog.Logger) (Stats, error) {
	var stats Stats
	mergedAt := time.Now().UTC()

	for _, path := range sourcePaths {
		src, err := store.Open(path)
		if err != nil {
			return stats, fmt.Errorf("failed to open source %s: %w", path, err)
		}
		res, scanned, err := foldSource(ctx, dst, src, mergedAt)
		src.Close()
		if err != nil {
			return stats, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		stats.Sources++
		stats.Scanned += scanned
		stats.Created += res.Created
		stats.Updated += res.Updated
		stats.Unchanged += res.Unchanged
		logger.Info().
			Str("source", path).
			Int("scanned", scanned).
			Int("created", res.Created).
			Int("updated", res.Updated).
			Msg("merged source database")
	}
	return stats, nil
}

func foldSource(ctx context.Context, dst, src *store.DB, mergedAt time.Time) (store.BatchResult, int, error) {
	var (
		total   store.BatchResult
		scanned int
		pending []*store.Message
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		res, err := dst.UpsertBatch(ctx, pending, mergedAt)
		if err != nil {
			return err
		}
		total.Created += res.Created
		total.Updated += res.Updated
		total.Unchanged += res.Unchanged
		pending = pending[:0]
		return nil
	}

	err := src.ScanMessages(ctx, func(m *store.Message) error {
		scanned++
		pending = append(pending, m)
		if len(pending) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, scanned, err
	}
	return total, scanned, flush()
}
