package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// Aggregate is a derived database of deduplicated posts folded from one or
// more mirror databases. It never feeds back into a mirror; rebuilding it
// from the same inputs yields the same contents.
type Aggregate struct {
	db   *store.DB
	mode Mode
}

const aggregateSchema = `
CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dedupe_hash TEXT NOT NULL UNIQUE,
	text TEXT NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	first_date TEXT NOT NULL,
	last_date TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS post_sources (
	post_id INTEGER NOT NULL REFERENCES posts(id),
	source_id INTEGER NOT NULL REFERENCES sources(id),
	chat_identifier TEXT NOT NULL,
	topic_id INTEGER NOT NULL DEFAULT -1,
	message_id INTEGER NOT NULL,
	occurred_at TEXT NOT NULL,
	PRIMARY KEY (post_id, source_id, chat_identifier, topic_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_posts_last_date ON posts(last_date);
`

// OpenAggregate opens (creating if necessary) the aggregate database at path.
func OpenAggregate(path string, mode Mode) (*Aggregate, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.RawDB().Exec(aggregateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create aggregate schema: %w", err)
	}
	return &Aggregate{db: db, mode: mode}, nil
}

// Close closes the underlying database.
func (a *Aggregate) Close() error {
	return a.db.Close()
}

// FoldStats reports what one folding pass did.
type FoldStats struct {
	Scanned int
	Posts   int
	Merged  int
	Skipped int
}

// FoldFrom folds every live message of src into the aggregate, registering
// src under sourceName for provenance. Tombstoned and service messages never
// contribute; neither do messages with an empty canonical body. Messages are
// visited in chronological order, so the first occurrence of an identity
// fixes the post's text and first_date.
func (a *Aggregate) FoldFrom(ctx context.Context, src *store.DB, sourceName string) (FoldStats, error) {
	sourceID, err := a.ensureSource(ctx, sourceName, src.Path())
	if err != nil {
		return FoldStats{}, err
	}

	var stats FoldStats
	err = src.ScanMessages(ctx, func(m *store.Message) error {
		stats.Scanned++
		if m.Deleted || m.IsService {
			stats.Skipped++
			return nil
		}
		hash, canonical, ok := MessageIdentity(m, a.mode)
		if !ok {
			stats.Skipped++
			return nil
		}
		merged, err := a.foldOne(ctx, sourceID, m, hash, canonical)
		if err != nil {
			return err
		}
		if merged {
			stats.Merged++
		} else {
			stats.Posts++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to fold %s: %w", sourceName, err)
	}
	return stats, nil
}

// foldOne applies one message to the aggregate. Reports merged=true when the
// identity already existed.
func (a *Aggregate) foldOne(ctx context.Context, sourceID int64, m *store.Message, hash, canonical string) (bool, error) {
	conn := a.db.RawDB()
	occurred := m.Date.UTC().Format(time.RFC3339)

	var postID int64
	merged := true
	err := conn.QueryRowContext(ctx,
		"SELECT id FROM posts WHERE dedupe_hash = ?", hash,
	).Scan(&postID)
	switch {
	case err == sql.ErrNoRows:
		merged = false
		res, err := conn.ExecContext(ctx, `
			INSERT INTO posts (dedupe_hash, text, sender, first_date, last_date)
			VALUES (?, ?, ?, ?, ?)`,
			hash, canonical, AuthorKey(m), occurred, occurred)
		if err != nil {
			return false, fmt.Errorf("failed to insert post: %w", err)
		}
		postID, err = res.LastInsertId()
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("failed to look up post: %w", err)
	default:
		// Text never changes once set; only the seen range extends.
		_, err = conn.ExecContext(ctx, `
			UPDATE posts
			SET last_date = MAX(last_date, ?), first_date = MIN(first_date, ?)
			WHERE id = ?`,
			occurred, occurred, postID)
		if err != nil {
			return false, fmt.Errorf("failed to extend post range: %w", err)
		}
	}

	_, err = conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO post_sources
			(post_id, source_id, chat_identifier, topic_id, message_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		postID, sourceID, m.ChatIdentifier, m.TopicID, m.MessageID, occurred)
	if err != nil {
		return false, fmt.Errorf("failed to record provenance: %w", err)
	}
	return merged, nil
}

func (a *Aggregate) ensureSource(ctx context.Context, name, path string) (int64, error) {
	conn := a.db.RawDB()
	_, err := conn.ExecContext(ctx,
		"INSERT INTO sources (name, path) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET path = excluded.path",
		name, path)
	if err != nil {
		return 0, fmt.Errorf("failed to register source %s: %w", name, err)
	}
	var id int64
	if err := conn.QueryRowContext(ctx, "SELECT id FROM sources WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up source %s: %w", name, err)
	}
	return id, nil
}

// PostCount returns the number of distinct posts in the aggregate.
func (a *Aggregate) PostCount(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.RawDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&n)
	return n, err
}
