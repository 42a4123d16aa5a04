package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NoTopic is the normalized topic id for scopes without a forum topic.
// Using -1 instead of NULL lets the unique index cover all rows.
const NoTopic int64 = -1

// Scope identifies the logical partition message ids are unique within:
// a chat plus an optional forum topic/thread.
type Scope struct {
	ChatIdentifier string
	TopicID        int64
}

// String renders the scope for logs and CLI output.
func (s Scope) String() string {
	if s.TopicID == NoTopic {
		return s.ChatIdentifier
	}
	return fmt.Sprintf("%s/topic-%d", s.ChatIdentifier, s.TopicID)
}

// Message is one message observed from the source.
//
// (ChatIdentifier, TopicID, MessageID) is the sole identity of a row and is
// never reassigned. Deleted is a tombstone: the row is retained but marked
// logically absent. UpdatedAt records the last write by the sync engine.
type Message struct {
	ChatID         *int64
	ChatIdentifier string
	TopicID        int64
	MessageID      int64
	Date           time.Time
	EditDate       *time.Time
	SenderID       *int64
	SenderUsername string
	Text           string
	ReplyToMsgID   *int64
	IsService      bool
	Deleted        bool
	UpdatedAt      *time.Time
}

// Scope returns the message's partition key.
func (m *Message) Scope() Scope {
	return Scope{ChatIdentifier: m.ChatIdentifier, TopicID: m.TopicID}
}

// Outcome reports what an upsert did to the store. It feeds run statistics
// only; control flow never branches on it.
type Outcome int

const (
	// OutcomeUnchanged means the stored row already matched and no write occurred.
	OutcomeUnchanged Outcome = iota
	// OutcomeCreated means the message was inserted for the first time.
	OutcomeCreated
	// OutcomeUpdated means an existing row was rewritten with changed fields.
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

const messageColumns = `chat_id, chat_identifier, topic_id, message_id, date, edit_date,
	sender_id, sender_username, text, reply_to_msg_id, is_service, deleted, updated_at`

// GetMessage retrieves a single message by identity.
// Returns sql.ErrNoRows if the message is not stored.
func (db *DB) GetMessage(ctx context.Context, scope Scope, messageID int64) (*Message, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT `+messageColumns+`
	FROM messages
	WHERE chat_identifier = ? AND topic_id = ? AND message_id = ?
	`, scope.ChatIdentifier, scope.TopicID, messageID)

	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertMessage applies one inbound message in its own transaction.
// See UpsertBatch for the change-detection rules.
func (db *DB) UpsertMessage(ctx context.Context, m *Message, syncedAt time.Time) (Outcome, error) {
	var outcome Outcome
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = upsertInTx(ctx, tx, m, syncedAt)
		return err
	})
	return outcome, err
}

// BatchResult summarizes one flushed batch of upserts.
type BatchResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// UpsertBatch applies a batch of inbound messages in one transaction.
//
// For each message: insert if absent; update only if an observable field
// differs under null-coalescing comparison (NULL and empty string compare
// equal, so partially populated legacy rows do not cause spurious writes),
// or if the stored row is tombstoned, since a reappearing message id means
// the earlier tombstone was a transient miss and the row is revived. Every write
// stamps updated_at with syncedAt. Unchanged rows are not written at all.
func (db *DB) UpsertBatch(ctx context.Context, msgs []*Message, syncedAt time.Time) (BatchResult, error) {
	var res BatchResult
	if len(msgs) == 0 {
		return res, nil
	}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			outcome, err := upsertInTx(ctx, tx, m, syncedAt)
			if err != nil {
				return err
			}
			switch outcome {
			case OutcomeCreated:
				res.Created++
			case OutcomeUpdated:
				res.Updated++
			default:
				res.Unchanged++
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

// upsertInTx is the change detector: it decides created/updated/unchanged
// for one message against the stored row and writes only when needed.
func upsertInTx(ctx context.Context, tx *sql.Tx, m *Message, syncedAt time.Time) (Outcome, error) {
	row := tx.QueryRowContext(ctx, `
	SELECT COALESCE(edit_date, ''), COALESCE(sender_id, -1), COALESCE(sender_username, ''),
	       COALESCE(text, ''), COALESCE(reply_to_msg_id, -1), COALESCE(is_service, 0),
	       COALESCE(deleted, 0)
	FROM messages
	WHERE chat_identifier = ? AND topic_id = ? AND message_id = ?
	`, m.ChatIdentifier, m.TopicID, m.MessageID)

	var (
		curEditDate  string
		curSenderID  int64
		curUsername  string
		curText      string
		curReplyTo   int64
		curIsService int
		curDeleted   int
	)
	err := row.Scan(&curEditDate, &curSenderID, &curUsername, &curText, &curReplyTo, &curIsService, &curDeleted)
	switch {
	case err == sql.ErrNoRows:
		if err := insertInTx(ctx, tx, m, syncedAt); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeCreated, nil
	case err != nil:
		return OutcomeUnchanged, fmt.Errorf("failed to read message %s/%d: %w", m.Scope(), m.MessageID, err)
	}

	newEditDate := ""
	if m.EditDate != nil {
		newEditDate = m.EditDate.UTC().Format(time.RFC3339)
	}
	newSenderID := int64(-1)
	if m.SenderID != nil {
		newSenderID = *m.SenderID
	}
	newReplyTo := int64(-1)
	if m.ReplyToMsgID != nil {
		newReplyTo = *m.ReplyToMsgID
	}
	newIsService := 0
	if m.IsService {
		newIsService = 1
	}

	changed := curEditDate != newEditDate ||
		curText != m.Text ||
		curSenderID != newSenderID ||
		curUsername != m.SenderUsername ||
		curReplyTo != newReplyTo ||
		curIsService != newIsService ||
		curDeleted != 0

	if !changed {
		return OutcomeUnchanged, nil
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE messages SET
		chat_id = ?,
		date = ?,
		edit_date = ?,
		sender_id = ?,
		sender_username = ?,
		text = ?,
		reply_to_msg_id = ?,
		is_service = ?,
		deleted = 0,
		updated_at = ?
	WHERE chat_identifier = ? AND topic_id = ? AND message_id = ?
	`,
		int64ToNullInt64(m.ChatID),
		m.Date.UTC().Format(time.RFC3339),
		timeToNullString(m.EditDate),
		int64ToNullInt64(m.SenderID),
		m.SenderUsername,
		m.Text,
		int64ToNullInt64(m.ReplyToMsgID),
		newIsService,
		syncedAt.UTC().Format(time.RFC3339),
		m.ChatIdentifier, m.TopicID, m.MessageID,
	)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to update message %s/%d: %w", m.Scope(), m.MessageID, err)
	}
	return OutcomeUpdated, nil
}

func insertInTx(ctx context.Context, tx *sql.Tx, m *Message, syncedAt time.Time) error {
	isService := 0
	if m.IsService {
		isService = 1
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO messages (
		chat_id, chat_identifier, topic_id, message_id, date, edit_date,
		sender_id, sender_username, text, reply_to_msg_id, is_service, deleted, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`,
		int64ToNullInt64(m.ChatID),
		m.ChatIdentifier,
		m.TopicID,
		m.MessageID,
		m.Date.UTC().Format(time.RFC3339),
		timeToNullString(m.EditDate),
		int64ToNullInt64(m.SenderID),
		m.SenderUsername,
		m.Text,
		int64ToNullInt64(m.ReplyToMsgID),
		isService,
		syncedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s/%d: %w", m.Scope(), m.MessageID, err)
	}
	return nil
}

// MarkDeleted tombstones messages in scope that were expected but not seen.
//
// A row is tombstoned when its date is at or after notOlderThan, it is not
// already tombstoned, and its message id is not in seen. notOlderThan must be
// the cutoff of the window the caller actually re-scanned; rows outside that
// window are left alone so a partial scan can never tombstone them.
// Returns the number of rows tombstoned.
func (db *DB) MarkDeleted(ctx context.Context, scope Scope, seen map[int64]struct{}, notOlderThan, syncedAt time.Time) (int64, error) {
	var marked int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS temp._seen_ids"); err != nil {
			return fmt.Errorf("failed to drop seen-ids table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "CREATE TEMP TABLE _seen_ids (message_id INTEGER PRIMARY KEY)"); err != nil {
			return fmt.Errorf("failed to create seen-ids table: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO temp._seen_ids(message_id) VALUES (?)")
		if err != nil {
			return fmt.Errorf("failed to prepare seen-ids insert: %w", err)
		}
		defer stmt.Close()
		for id := range seen {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("failed to record seen id %d: %w", id, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET deleted = 1, updated_at = ?
		WHERE chat_identifier = ?
		  AND topic_id = ?
		  AND date >= ?
		  AND COALESCE(deleted, 0) = 0
		  AND NOT EXISTS (SELECT 1 FROM temp._seen_ids s WHERE s.message_id = messages.message_id)
		`,
			syncedAt.UTC().Format(time.RFC3339),
			scope.ChatIdentifier,
			scope.TopicID,
			notOlderThan.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to mark deletions in %s: %w", scope, err)
		}
		marked, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count marked deletions: %w", err)
		}

		_, err = tx.ExecContext(ctx, "DROP TABLE temp._seen_ids")
		return err
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// ScanMessages streams every stored message in chronological order to fn.
// Read-only: exporters and the deduplicator consume the store through this.
func (db *DB) ScanMessages(ctx context.Context, fn func(*Message) error) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT `+messageColumns+`
	FROM messages
	ORDER BY datetime(date) ASC, message_id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to scan messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating messages: %w", err)
	}
	return nil
}

// Stats summarizes the store for health checks and the dashboard.
type Stats struct {
	Total        int64
	Tombstoned   int64
	Service      int64
	EarliestDate *time.Time
	LatestDate   *time.Time
}

// MessageStats computes aggregate counts over the messages table.
func (db *DB) MessageStats(ctx context.Context) (Stats, error) {
	var s Stats
	var earliest, latest sql.NullString
	err := db.conn.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN COALESCE(deleted, 0) = 1 THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN COALESCE(is_service, 0) = 1 THEN 1 ELSE 0 END), 0),
	       MIN(date), MAX(date)
	FROM messages
	`).Scan(&s.Total, &s.Tombstoned, &s.Service, &earliest, &latest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute message stats: %w", err)
	}
	s.EarliestDate = nullStringToTime(earliest)
	s.LatestDate = nullStringToTime(latest)
	return s, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanMessage.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		chatID    sql.NullInt64
		date      string
		editDate  sql.NullString
		senderID  sql.NullInt64
		username  sql.NullString
		text      sql.NullString
		replyTo   sql.NullInt64
		isService sql.NullInt64
		deleted   sql.NullInt64
		updatedAt sql.NullString
	)
	err := row.Scan(
		&chatID,
		&m.ChatIdentifier,
		&m.TopicID,
		&m.MessageID,
		&date,
		&editDate,
		&senderID,
		&username,
		&text,
		&replyTo,
		&isService,
		&deleted,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, date); err == nil {
		m.Date = t
	}
	m.ChatID = nullInt64ToPtr(chatID)
	m.EditDate = nullStringToTime(editDate)
	m.SenderID = nullInt64ToPtr(senderID)
	m.SenderUsername = username.String
	m.Text = text.String
	m.ReplyToMsgID = nullInt64ToPtr(replyTo)
	m.IsService = isService.Int64 != 0
	m.Deleted = deleted.Int64 != 0
	m.UpdatedAt = nullStringToTime(updatedAt)
	return &m, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
