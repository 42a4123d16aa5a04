// Package migrate brings a mirror database from any historical shape to the
// current schema.
//
// Migrations are an ordered list with monotonically increasing versions and
// idempotent forward scripts. Applied versions are recorded in the
// schema_migrations ledger; the store's current version is the maximum
// recorded one. Each migration runs in its own transaction and the ledger row
// is written inside that transaction, so a failed migration leaves the store
// at the last fully applied version.
//
// Databases created before topic support carry a uniqueness constraint on
// (chat_identifier, message_id) that cannot be dropped in place; those are
// detected structurally and rebuilt once before ordinary migrations run.
// See legacy.go.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema change, applied inside a transaction.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the ordered registry. Versions must be strictly increasing.
//
// Version 1 creates the current base tables with IF NOT EXISTS, so a fresh
// database reaches the full shape in one step while the column migrations
// that follow remain meaningful for databases that predate the ledger.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_base_tables",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS messages (
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
			);

			CREATE TABLE IF NOT EXISTS checkpoints (
				chat_identifier TEXT NOT NULL,
				topic_id INTEGER NOT NULL DEFAULT -1,
				last_message_id INTEGER DEFAULT 0,
				last_run_ts TEXT,
				PRIMARY KEY (chat_identifier, topic_id)
			);

			CREATE INDEX IF NOT EXISTS idx_messages_chat_date
				ON messages(chat_identifier, date);
			`)
			return err
		},
	},
	{
		Version: 2,
		Name:    "add_topic_id_column",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if err := addColumnIfMissing(ctx, tx, "messages", "topic_id", "INTEGER NOT NULL DEFAULT -1"); err != nil {
				return err
			}
			// Old rows may carry NULL topic ids; normalize so the unique
			// index in a later migration covers them.
			_, err := tx.ExecContext(ctx, "UPDATE messages SET topic_id = -1 WHERE topic_id IS NULL")
			return err
		},
	},
	{
		Version: 3,
		Name:    "add_edit_date_column",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnIfMissing(ctx, tx, "messages", "edit_date", "TEXT")
		},
	},
	{
		Version: 4,
		Name:    "add_deleted_column",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnIfMissing(ctx, tx, "messages", "deleted", "INTEGER DEFAULT 0")
		},
	},
	{
		Version: 5,
		Name:    "add_updated_at_column",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return addColumnIfMissing(ctx, tx, "messages", "updated_at", "TEXT")
		},
	},
	{
		Version: 6,
		Name:    "unique_index_on_scope",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			// Databases written by older versions can contain duplicate
			// identities; keep the earliest row per group so the unique
			// index can be created.
			_, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE id NOT IN (
				SELECT MIN(id)
				FROM messages
				GROUP BY chat_identifier, topic_id, message_id
			)
			`)
			if err != nil {
				return err
			}
			if err := dropLegacyUniqueIndexes(ctx, tx); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
			CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_chat_topic_msgid_plain
				ON messages(chat_identifier, topic_id, message_id);
			CREATE INDEX IF NOT EXISTS idx_messages_chat_topic_date
				ON messages(chat_identifier, topic_id, date);
			`)
			return err
		},
	},
}

// LatestVersion is the highest migration version this build knows about.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// Status reports how far a database has been migrated.
type Status struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// UpToDate reports whether no migrations are pending.
func (s Status) UpToDate() bool {
	return len(s.Pending) == 0
}

// Check returns the migration status of a database without changing it,
// beyond creating the ledger table if absent.
func Check(ctx context.Context, db *sql.DB) (Status, error) {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return Status{}, err
	}
	st := Status{CurrentVersion: current, LatestVersion: LatestVersion()}
	for _, m := range migrations {
		if m.Version > current {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

// Run applies all pending migrations up to the latest version.
//
// The legacy constraint rebuild, when needed, runs first; it is detected by
// inspecting the existing uniqueness definition, not by version number, so it
// is safe against any unknown legacy shape.
func Run(ctx context.Context, db *sql.DB) error {
	return RunTo(ctx, db, LatestVersion())
}

// RunTo applies all pending migrations with version <= target, in ascending
// order. Any failure rolls back that single migration and aborts.
func RunTo(ctx context.Context, db *sql.DB, target int) error {
	if err := rebuildLegacyTableIfNeeded(ctx, db); err != nil {
		return err
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.Up(ctx, tx); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)
	`, m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return tx.Commit()
}

// currentVersion reads max(applied) from the ledger, creating the ledger
// table on first contact.
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migration ledger: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return current, nil
}

// addColumnIfMissing adds a column to a table if it does not already exist.
// SQLite has no ADD COLUMN IF NOT EXISTS, so migrations stay idempotent by
// checking table_info first.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	has, err := hasColumn(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

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
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
