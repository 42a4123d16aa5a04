package dashboard

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceWindow coalesces the burst of write events one SQLite commit
// produces into a single stats refresh.
const debounceWindow = 500 * time.Millisecond

// Watcher observes the mirror database file and refreshes dashboard clients
// when a sync run writes to it. SQLite in WAL mode touches the -wal and -shm
// siblings too, so the watcher monitors the directory and filters by prefix.
type Watcher struct {
	server *Server
	dbPath string
	fsw    *fsnotify.Watcher
	logger zerolog.Logger
}

// NewWatcher creates a Watcher pushing refreshes through server.
func NewWatcher(server *Server, dbPath string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(dbPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(dbPath), err)
	}
	return &Watcher{server: server, dbPath: dbPath, fsw: fsw, logger: logger}, nil
}

// Run blocks, forwarding database changes to the dashboard until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.isDatabaseEvent(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")

		case <-fire:
			timer = nil
			fire = nil
			w.server.Broadcast(Message{Type: MessageTypeSyncActivity, Timestamp: time.Now().UTC()})
			if err := w.server.BroadcastStats(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("failed to refresh stats")
			}
		}
	}
}

func (w *Watcher) isDatabaseEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(w.dbPath)
	name := filepath.Base(ev.Name)
	return name == base || name == base+"-wal" || name == base+"-shm"
}
