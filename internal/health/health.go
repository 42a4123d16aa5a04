// Package health reports on the condition of a mirror database and the disk
// it lives on.
package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// Status classifies a health report.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// DatabaseReport describes one mirror database.
type DatabaseReport struct {
	Status       Status     `json:"status"`
	Path         string     `json:"path"`
	Message      string     `json:"message,omitempty"`
	Exists       bool       `json:"exists"`
	HasTable     bool       `json:"has_table"`
	MessageCount int64      `json:"message_count"`
	Tombstoned   int64      `json:"tombstoned"`
	EarliestDate *time.Time `json:"earliest_date,omitempty"`
	LatestDate   *time.Time `json:"latest_date,omitempty"`
	Integrity    string     `json:"integrity,omitempty"`
	FileSizeMB   float64    `json:"file_size_mb"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// CheckDatabase opens the database at path read-style and gathers counts,
// date range, integrity, and file size. Failures degrade to an error report
// rather than returning an error, so one broken database does not hide the
// others in a multi-database check.
func CheckDatabase(ctx context.Context, path string) DatabaseReport {
	rep := DatabaseReport{Path: path, CheckedAt: time.Now().UTC()}

	info, err := os.Stat(path)
	if err != nil {
		rep.Status = StatusError
		rep.Message = fmt.Sprintf("database file not found: %s", path)
		return rep
	}
	rep.Exists = true
	rep.FileSizeMB = float64(info.Size()) / (1024 * 1024)

	db, err := store.Open(path)
	if err != nil {
		rep.Status = StatusError
		rep.Message = err.Error()
		return rep
	}
	defer db.Close()

	var name string
	err = db.RawDB().QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='messages'",
	).Scan(&name)
	if err != nil {
		rep.Status = StatusError
		rep.Message = "messages table not found"
		return rep
	}
	rep.HasTable = true

	stats, err := db.MessageStats(ctx)
	if err != nil {
		rep.Status = StatusError
		rep.Message = err.Error()
		return rep
	}
	rep.MessageCount = stats.Total
	rep.Tombstoned = stats.Tombstoned
	rep.EarliestDate = stats.EarliestDate
	rep.LatestDate = stats.LatestDate

	if err := db.RawDB().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&rep.Integrity); err != nil {
		rep.Status = StatusError
		rep.Message = err.Error()
		return rep
	}
	if rep.Integrity == "ok" {
		rep.Status = StatusHealthy
	} else {
		rep.Status = StatusWarning
	}
	return rep
}

// SystemReport describes the disk holding dir.
type SystemReport struct {
	DiskFreeGB      float64   `json:"disk_free_gb"`
	DiskTotalGB     float64   `json:"disk_total_gb"`
	DiskUsedPercent float64   `json:"disk_used_percent"`
	CheckedAt       time.Time `json:"checked_at"`
}

// CheckSystem reports free space on the filesystem containing dir.
func CheckSystem(dir string) (SystemReport, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return SystemReport{}, fmt.Errorf("failed to stat filesystem at %s: %w", dir, err)
	}
	total := float64(fs.Blocks) * float64(fs.Bsize)
	free := float64(fs.Bavail) * float64(fs.Bsize)
	used := total - float64(fs.Bfree)*float64(fs.Bsize)

	rep := SystemReport{
		DiskFreeGB:  free / (1 << 30),
		DiskTotalGB: total / (1 << 30),
		CheckedAt:   time.Now().UTC(),
	}
	if total > 0 {
		rep.DiskUsedPercent = used / total * 100
	}
	return rep, nil
}
