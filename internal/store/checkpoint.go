package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Checkpoint is the durable high-water mark for one scope: the last fully
// reconciled message id and the wall-clock time of the last successful run.
type Checkpoint struct {
	LastMessageID int64
	LastRunAt     *time.Time
}

// LoadCheckpoint returns the checkpoint for scope, or a zero checkpoint if
// the scope has never been synced.
func (db *DB) LoadCheckpoint(ctx context.Context, scope Scope) (Checkpoint, error) {
	var cp Checkpoint
	var lastRun sql.NullString
	err := db.conn.QueryRowContext(ctx, `
	SELECT COALESCE(last_message_id, 0), last_run_ts
	FROM checkpoints
	WHERE chat_identifier = ? AND topic_id = ?
	`, scope.ChatIdentifier, scope.TopicID).Scan(&cp.LastMessageID, &lastRun)
	if err == sql.ErrNoRows {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint for %s: %w", scope, err)
	}
	cp.LastRunAt = nullStringToTime(lastRun)
	return cp, nil
}

// AdvanceCheckpoint records lastMessageID as the scope's new high-water mark.
//
// The stored value only ever increases: advancing with a smaller or equal id
// keeps the current one, so the call is idempotent and safe to repeat.
func (db *DB) AdvanceCheckpoint(ctx context.Context, scope Scope, lastMessageID int64, runAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO checkpoints (chat_identifier, topic_id, last_message_id, last_run_ts)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chat_identifier, topic_id) DO UPDATE SET
		last_message_id = MAX(checkpoints.last_message_id, excluded.last_message_id),
		last_run_ts = excluded.last_run_ts
	`, scope.ChatIdentifier, scope.TopicID, lastMessageID, runAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint for %s: %w", scope, err)
	}
	return nil
}
