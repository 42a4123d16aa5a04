// Package backup creates timestamped copies of mirror databases and prunes
// old ones. Database backups go through VACUUM INTO so the copy is a
// consistent, compacted snapshot even while a sync run holds the source open.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmaltsev/tgmirror/internal/store"
)

const timestampLayout = "20060102_150405"

// Database snapshots the database at dbPath into dir and returns the backup
// path. The name is <base>_<UTC timestamp>.db.
func Database(ctx context.Context, dbPath, dir string, logger zerolog.Logger) (string, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return "", fmt.Errorf("database not found at %s: %w", dbPath, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	dst := filepath.Join(dir, fmt.Sprintf("%s_%s.db", base, time.Now().UTC().Format(timestampLayout)))

	db, err := store.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	if err := db.VacuumInto(ctx, dst); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to back up %s: %w", dbPath, err)
	}
	logger.Info().Str("source", dbPath).Str("backup", dst).Msg("database backed up")
	return dst, nil
}

// File copies an arbitrary file (configs, exports) into dir with the same
// timestamped naming as database backups.
func File(path, dir string, logger zerolog.Logger) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	dstPath := filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, time.Now().UTC().Format(timestampLayout), ext))

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dstPath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("failed to copy %s: %w", path, err)
	}
	logger.Info().Str("source", path).Str("backup", dstPath).Msg("file backed up")
	return dstPath, nil
}

// Prune removes backups in dir older than keepDays and returns how many were
// deleted.
func Prune(dir string, keepDays int, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read backup dir: %w", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("failed to remove old backup")
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Int("keep_days", keepDays).Msg("pruned old backups")
	}
	return removed, nil
}
