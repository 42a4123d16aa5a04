// Package cleanup removes stale working files (temp databases, rotated logs,
// aged archives) and compacts mirror databases. Every step is best-effort:
// an unremovable file is logged and skipped so one bad path never aborts a
// maintenance run.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// Options sets the retention windows for a maintenance run. Zero values get
// the defaults noted on each field.
type Options struct {
	Dir         string // working directory to clean; "" means "."
	TempDays    int    // temp files older than this are removed (default 7)
	LogDays     int    // log files to keep, in days (default 30)
	ArchiveDays int    // archived files older than this are removed (default 90)
	Vacuum      bool   // also VACUUM every *.db found
	DryRun      bool   // report what would be removed without touching anything
}

func (o *Options) fillDefaults() {
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.TempDays == 0 {
		o.TempDays = 7
	}
	if o.LogDays == 0 {
		o.LogDays = 30
	}
	if o.ArchiveDays == 0 {
		o.ArchiveDays = 90
	}
}

// Stats counts what a maintenance run did.
type Stats struct {
	TempFiles     int
	LogFiles      int
	ArchivedFiles int
	Vacuumed      int
}

var backupStamp = regexp.MustCompile(`_(\d{8}_\d{6})`)

// Run performs one maintenance pass according to opts.
func Run(ctx context.Context, opts Options, logger zerolog.Logger) (Stats, error) {
	opts.fillDefaults()
	var stats Stats

	tempCutoff := time.Now().UTC().AddDate(0, 0, -opts.TempDays)
	for _, pattern := range []string{"temp_*.db", "*.tmp"} {
		matches, _ := filepath.Glob(filepath.Join(opts.Dir, pattern))
		for _, path := range matches {
			if removeIfOlder(path, tempCutoff, opts.DryRun, logger) {
				stats.TempFiles++
			}
		}
	}

	logCutoff := time.Now().UTC().AddDate(0, 0, -opts.LogDays)
	logMatches, _ := filepath.Glob(filepath.Join(opts.Dir, "logs", "*.log"))
	for _, path := range logMatches {
		if removeIfOlder(path, logCutoff, opts.DryRun, logger) {
			stats.LogFiles++
		}
	}

	stats.ArchivedFiles = cleanArchive(filepath.Join(opts.Dir, "archived"), opts.ArchiveDays, opts.DryRun, logger)

	if opts.Vacuum && !opts.DryRun {
		for _, sub := range []string{"", "exports", "merged"} {
			matches, _ := filepath.Glob(filepath.Join(opts.Dir, sub, "*.db"))
			for _, path := range matches {
				if err := vacuumOne(ctx, path); err != nil {
					logger.Warn().Str("path", path).Err(err).Msg("could not vacuum database")
					continue
				}
				logger.Info().Str("path", path).Msg("vacuumed database")
				stats.Vacuumed++
			}
		}
	}
	return stats, nil
}

// cleanArchive prefers the timestamp embedded in backup filenames over
// mtime, so restored or copied backups still age out on schedule.
func cleanArchive(dir string, keepDays int, dryRun bool, logger zerolog.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		age := time.Time{}
		if m := backupStamp.FindStringSubmatch(e.Name()); m != nil {
			if t, err := time.Parse("20060102_150405", m[1]); err == nil {
				age = t
			}
		}
		if age.IsZero() {
			info, err := e.Info()
			if err != nil {
				continue
			}
			age = info.ModTime().UTC()
		}
		if age.After(cutoff) {
			continue
		}
		if dryRun {
			logger.Info().Str("path", path).Msg("would remove archived file")
			removed++
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("could not remove archived file")
			continue
		}
		logger.Info().Str("path", path).Msg("removed archived file")
		removed++
	}
	return removed
}

func removeIfOlder(path string, cutoff time.Time, dryRun bool, logger zerolog.Logger) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if info.ModTime().UTC().After(cutoff) {
		return false
	}
	if dryRun {
		logger.Info().Str("path", path).Msg("would remove stale file")
		return true
	}
	if err := os.Remove(path); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("could not remove stale file")
		return false
	}
	logger.Info().Str("path", path).Msg("removed stale file")
	return true
}

func vacuumOne(ctx context.Context, path string) error {
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Vacuum(ctx)
}
