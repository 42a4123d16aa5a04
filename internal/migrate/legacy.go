package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// StructuralAmbiguityError is returned when legacy-shape inspection cannot
// determine a safe rebuild. The migrator never guesses; the operator has to
// look at the database by hand.
type StructuralAmbiguityError struct {
	Detail string
}

func (e *StructuralAmbiguityError) Error() string {
	return "ambiguous legacy schema, manual intervention required: " + e.Detail
}

// rebuildLegacyTableIfNeeded detects a messages table whose uniqueness
// constraint predates topic support (UNIQUE(chat_identifier, message_id)
// with no topic_id) and rebuilds the table with the current shape.
//
// That constraint often lives in a sqlite_autoindex which cannot be dropped,
// so the only way out is a table rebuild: create messages_new, copy rows
// keeping the earliest per (chat_identifier, topic_id, message_id) group,
// then swap the tables. The whole rebuild is one transaction.
func rebuildLegacyTableIfNeeded(ctx context.Context, db *sql.DB) error {
	needsRebuild, err := detectLegacyConstraint(ctx, db)
	if err != nil {
		return err
	}
	if !needsRebuild {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	// Clean up any previous partial rebuild.
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS messages_new"); err != nil {
		return fmt.Errorf("failed to drop stale rebuild table: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	CREATE TABLE messages_new (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER,
		chat_identifier TEXT NOT NULL,
		topic_id INTEGER NOT NULL DEFAULT -1,
		message_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		edit_date TEXT,
		sender_id INTEGER,
		sender_username TEXT,
		text TEXT,
		reply_to_msg_id INTEGER,
		is_service INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		updated_at TEXT
	)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rebuild table: %w", err)
	}

	cols, err := tableColumns(ctx, tx, "messages")
	if err != nil {
		return err
	}

	sel := func(name, fallback string) string {
		if _, ok := cols[name]; ok {
			return name
		}
		return fallback + " AS " + name
	}
	selTopicExpr := "-1"
	if _, ok := cols["topic_id"]; ok {
		selTopicExpr = "COALESCE(topic_id, -1)"
	}

	// Copy rows grouped by the intended new unique key, keeping the earliest
	// per group so the new constraint is guaranteed to hold.
	copySQL := fmt.Sprintf(`
	INSERT INTO messages_new (
		chat_id, chat_identifier, topic_id, message_id, date, edit_date,
		sender_id, sender_username, text, reply_to_msg_id, is_service, deleted, updated_at
	)
	SELECT
		%s,
		chat_identifier,
		%s AS topic_id,
		message_id,
		date,
		%s,
		sender_id,
		sender_username,
		text,
		reply_to_msg_id,
		COALESCE(is_service, 0) AS is_service,
		%s,
		%s
	FROM messages
	WHERE id IN (
		SELECT MIN(id)
		FROM messages
		GROUP BY chat_identifier, CAST(%s AS INTEGER), message_id
	)
	`,
		sel("chat_id", "NULL"),
		selTopicExpr,
		sel("edit_date", "NULL"),
		sel("deleted", "0"),
		sel("updated_at", "NULL"),
		selTopicExpr,
	)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("failed to copy rows into rebuild table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "ALTER TABLE messages RENAME TO messages_legacy"); err != nil {
		return fmt.Errorf("failed to rename legacy table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE messages_new RENAME TO messages"); err != nil {
		return fmt.Errorf("failed to swap rebuild table in: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE messages_legacy"); err != nil {
		return fmt.Errorf("failed to drop legacy table: %w", err)
	}

	return tx.Commit()
}

// detectLegacyConstraint inspects the existing uniqueness definition of the
// messages table. It returns true when the table carries a unique constraint
// on (chat_identifier, message_id) without topic_id.
func detectLegacyConstraint(ctx context.Context, db *sql.DB) (bool, error) {
	var tableSQL sql.NullString
	err := db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type='table' AND name='messages'",
	).Scan(&tableSQL)
	if err == sql.ErrNoRows {
		// No messages table yet: nothing to rebuild.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect messages table: %w", err)
	}

	lowered := strings.ToLower(tableSQL.String)
	if strings.Contains(lowered, "unique") &&
		strings.Contains(lowered, "chat_identifier") &&
		strings.Contains(lowered, "message_id") &&
		!strings.Contains(lowered, "topic_id") {
		return true, nil
	}

	// Table-level constraint absent; check unique indexes.
	rows, err := db.QueryContext(ctx, "PRAGMA index_list(messages)")
	if err != nil {
		return false, fmt.Errorf("failed to list messages indexes: %w", err)
	}
	defer rows.Close()

	type indexInfo struct {
		name    string
		partial bool
	}
	var uniques []indexInfo
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if unique != 0 {
			uniques = append(uniques, indexInfo{name: name, partial: partial != 0})
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, idx := range uniques {
		cols, err := indexColumns(ctx, db, idx.name)
		if err != nil {
			return false, err
		}
		if len(cols) == 2 && cols[0] == "chat_identifier" && cols[1] == "message_id" {
			if idx.partial {
				// A partial unique index only covers some rows, so it cannot
				// be read as the legacy table-wide constraint. Refuse to guess.
				return false, &StructuralAmbiguityError{
					Detail: fmt.Sprintf("unique index %s on (chat_identifier, message_id) is partial", idx.name),
				}
			}
			return true, nil
		}
		if len(cols) == 0 {
			// An expression-based unique index reports no columns; fall back
			// to its CREATE statement. If that is missing too (autoindex),
			// we cannot tell what the constraint covers.
			var idxSQL sql.NullString
			err := db.QueryRowContext(ctx,
				"SELECT sql FROM sqlite_master WHERE type='index' AND name=?", idx.name,
			).Scan(&idxSQL)
			if err != nil && err != sql.ErrNoRows {
				return false, fmt.Errorf("failed to inspect index %s: %w", idx.name, err)
			}
			l := strings.ToLower(idxSQL.String)
			if l == "" {
				return false, &StructuralAmbiguityError{
					Detail: fmt.Sprintf("unique index %s has no introspectable columns or SQL", idx.name),
				}
			}
			if strings.Contains(l, "chat_identifier") &&
				strings.Contains(l, "message_id") &&
				!strings.Contains(l, "topic_id") {
				return true, nil
			}
		}
	}
	return false, nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

func indexColumns(ctx context.Context, db *sql.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", index))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

// dropLegacyUniqueIndexes removes named unique indexes on messages that
// cover (chat_identifier, message_id) without topic_id. They would reject
// re-used message ids across topics once the scoped unique index exists.
// Implicit sqlite_autoindex entries cannot be dropped here; those require
// the full table rebuild, which runs before any migration applies.
func dropLegacyUniqueIndexes(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA index_list(messages)")
	if err != nil {
		return fmt.Errorf("failed to list messages indexes: %w", err)
	}
	var names []string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		if unique != 0 && origin == "c" {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, name := range names {
		cols, err := txIndexColumns(ctx, tx, name)
		if err != nil {
			return err
		}
		drop := len(cols) == 2 && cols[0] == "chat_identifier" && cols[1] == "message_id"
		if !drop && len(cols) == 0 {
			var idxSQL sql.NullString
			err := tx.QueryRowContext(ctx,
				"SELECT sql FROM sqlite_master WHERE type='index' AND name=?", name,
			).Scan(&idxSQL)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to inspect index %s: %w", name, err)
			}
			l := strings.ToLower(idxSQL.String)
			drop = strings.Contains(l, "chat_identifier") &&
				strings.Contains(l, "message_id") &&
				!strings.Contains(l, "topic_id")
		}
		if !drop {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %q", name)); err != nil {
			return fmt.Errorf("failed to drop legacy index %s: %w", name, err)
		}
	}
	return nil
}

func txIndexColumns(ctx context.Context, tx *sql.Tx, index string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", index))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}
