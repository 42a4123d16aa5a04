package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ledgerCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	return n
}

func TestRun_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	st, err := Check(ctx, db)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if st.CurrentVersion != LatestVersion() {
		t.Errorf("CurrentVersion = %d, want %d", st.CurrentVersion, LatestVersion())
	}
	if !st.UpToDate() {
		t.Error("fresh migration should be up to date")
	}

	for _, table := range []string{"messages", "checkpoints", "schema_migrations"} {
		var n int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&n)
		if err != nil {
			t.Fatalf("failed to query for table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing after migration", table)
		}
	}
}

// Running the migrator against an up-to-date store must not add ledger rows
// or re-execute scripts.
func TestRun_SecondRunIsNoOp(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	before := ledgerCount(t, db)

	if err := Run(ctx, db); err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if after := ledgerCount(t, db); after != before {
		t.Errorf("ledger grew from %d to %d on a no-op run", before, after)
	}
}

func TestRunTo_PartialThenComplete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := RunTo(ctx, db, 3); err != nil {
		t.Fatalf("RunTo(3) failed: %v", err)
	}
	st, err := Check(ctx, db)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if st.CurrentVersion != 3 {
		t.Errorf("CurrentVersion = %d, want 3", st.CurrentVersion)
	}
	if st.UpToDate() {
		t.Error("partially migrated store reported up to date")
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	st, err = Check(ctx, db)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if st.CurrentVersion != LatestVersion() {
		t.Errorf("CurrentVersion = %d, want %d", st.CurrentVersion, LatestVersion())
	}
}

// A store created before topic support, with UNIQUE(chat_identifier,
// message_id) baked into the table, must be rebuilt so the same message id
// can exist in two topics.
func TestRun_LegacyTableConstraintRebuild(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(`
	CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER,
		chat_identifier TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		sender_id INTEGER,
		sender_username TEXT,
		text TEXT,
		reply_to_msg_id INTEGER,
		is_service INTEGER DEFAULT 0,
		UNIQUE(chat_identifier, message_id)
	)`)
	if err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	_, err = db.Exec(`
	INSERT INTO messages (chat_identifier, message_id, date, text)
	VALUES ('oldchat', 10, '2023-06-01T00:00:00Z', 'kept row'),
	       ('oldchat', 11, '2023-06-02T00:00:00Z', 'second row')`)
	if err != nil {
		t.Fatalf("failed to seed legacy rows: %v", err)
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	var text string
	var topic int64
	err = db.QueryRow(
		"SELECT text, topic_id FROM messages WHERE chat_identifier='oldchat' AND message_id=10",
	).Scan(&text, &topic)
	if err != nil {
		t.Fatalf("legacy row lost in rebuild: %v", err)
	}
	if text != "kept row" {
		t.Errorf("text = %q, want original content", text)
	}
	if topic != -1 {
		t.Errorf("topic_id = %d, want -1 for pre-topic rows", topic)
	}

	// The rebuilt store must accept the same message id in two topics.
	_, err = db.Exec(`
	INSERT INTO messages (chat_identifier, topic_id, message_id, date, text)
	VALUES ('oldchat', 1, 99, '2024-01-01T00:00:00Z', 'topic one'),
	       ('oldchat', 2, 99, '2024-01-01T00:00:00Z', 'topic two')`)
	if err != nil {
		t.Fatalf("rebuilt store rejected topic-scoped rows: %v", err)
	}
}

// The legacy shape can also appear as a separate unique index instead of a
// table-level constraint, on a table that already has the topic column.
func TestRun_LegacyUniqueIndexRebuild(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(`
	CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER,
		chat_identifier TEXT NOT NULL,
		topic_id INTEGER,
		message_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		sender_id INTEGER,
		sender_username TEXT,
		text TEXT,
		reply_to_msg_id INTEGER,
		is_service INTEGER DEFAULT 0
	)`)
	if err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	if _, err := db.Exec(
		"CREATE UNIQUE INDEX ux_messages_chat_msgid ON messages(chat_identifier, message_id)",
	); err != nil {
		t.Fatalf("failed to create legacy index: %v", err)
	}
	if _, err := db.Exec(`
	INSERT INTO messages (chat_identifier, topic_id, message_id, date, text)
	VALUES ('oldchat', NULL, 10, '2023-06-01T00:00:00Z', 'null topic')`); err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	var topic int64
	err = db.QueryRow(
		"SELECT topic_id FROM messages WHERE chat_identifier='oldchat' AND message_id=10",
	).Scan(&topic)
	if err != nil {
		t.Fatalf("legacy row lost in rebuild: %v", err)
	}
	if topic != -1 {
		t.Errorf("topic_id = %d, want NULL normalized to -1", topic)
	}

	_, err = db.Exec(`
	INSERT INTO messages (chat_identifier, topic_id, message_id, date, text)
	VALUES ('oldchat', 1, 10, '2024-01-01T00:00:00Z', 'topic one'),
	       ('oldchat', 2, 10, '2024-01-01T00:00:00Z', 'topic two')`)
	if err != nil {
		t.Fatalf("rebuilt store rejected topic-scoped rows: %v", err)
	}
}

// A legacy store keyed by numeric chat id can hold several rows that collapse
// to one identity under (chat_identifier, topic_id, message_id). The rebuild
// must keep exactly the earliest row of each group.
func TestRun_LegacyRebuildCollapsesDuplicates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(`
	CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER,
		chat_identifier TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		sender_id INTEGER,
		sender_username TEXT,
		text TEXT,
		reply_to_msg_id INTEGER,
		is_service INTEGER DEFAULT 0,
		UNIQUE(chat_id, message_id)
	)`)
	if err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	// The chat was re-added under a second numeric id, so message 7 exists
	// twice with the same chat_identifier.
	_, err = db.Exec(`
	INSERT INTO messages (id, chat_id, chat_identifier, message_id, date, text)
	VALUES (1, 500, 'dupchat', 7, '2023-06-01T00:00:00Z', 'earliest copy'),
	       (2, 501, 'dupchat', 7, '2023-06-02T00:00:00Z', 'later copy'),
	       (3, 500, 'dupchat', 8, '2023-06-03T00:00:00Z', 'solo')`)
	if err != nil {
		t.Fatalf("failed to seed duplicate rows: %v", err)
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&total); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if total != 2 {
		t.Errorf("row count = %d, want 2 after duplicate collapse", total)
	}

	var text string
	err = db.QueryRow(
		"SELECT text FROM messages WHERE chat_identifier='dupchat' AND message_id=7",
	).Scan(&text)
	if err != nil {
		t.Fatalf("collapsed row lost in rebuild: %v", err)
	}
	if text != "earliest copy" {
		t.Errorf("text = %q, want the earliest row to survive", text)
	}
}

// Stores that pre-date the scoped unique index can hold outright duplicate
// identities; the index migration must delete all but the earliest row before
// it can create the index.
func TestRun_DuplicateRowsCollapsedBeforeUniqueIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := RunTo(ctx, db, 5); err != nil {
		t.Fatalf("RunTo(5) failed: %v", err)
	}
	_, err := db.Exec(`
	INSERT INTO messages (id, chat_identifier, topic_id, message_id, date, text)
	VALUES (1, 'chat', -1, 5, '2024-01-01T00:00:00Z', 'earliest'),
	       (2, 'chat', -1, 5, '2024-01-02T00:00:00Z', 'duplicate'),
	       (3, 'chat', -1, 6, '2024-01-03T00:00:00Z', 'distinct')`)
	if err != nil {
		t.Fatalf("failed to seed duplicate rows: %v", err)
	}

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&total); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if total != 2 {
		t.Errorf("row count = %d, want 2 after dedup", total)
	}

	var text string
	err = db.QueryRow(
		"SELECT text FROM messages WHERE chat_identifier='chat' AND topic_id=-1 AND message_id=5",
	).Scan(&text)
	if err != nil {
		t.Fatalf("failed to read surviving row: %v", err)
	}
	if text != "earliest" {
		t.Errorf("text = %q, want the earliest row to survive", text)
	}

	// The freshly created index must reject a re-inserted duplicate.
	_, err = db.Exec(`
	INSERT INTO messages (chat_identifier, topic_id, message_id, date, text)
	VALUES ('chat', -1, 5, '2024-02-01T00:00:00Z', 'reinserted')`)
	if err == nil {
		t.Error("duplicate identity accepted after the unique index migration")
	}
}

// A partial unique index over (chat_identifier, message_id) only covers some
// rows, so the migrator cannot treat it as the legacy constraint. It must
// abort with the typed error instead of guessing.
func TestRun_PartialUniqueIndexIsAmbiguous(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(`
	CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER,
		chat_identifier TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		sender_id INTEGER,
		sender_username TEXT,
		text TEXT,
		reply_to_msg_id INTEGER,
		is_service INTEGER DEFAULT 0
	)`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if _, err := db.Exec(`
	CREATE UNIQUE INDEX ux_messages_partial
		ON messages(chat_identifier, message_id) WHERE is_service = 0`); err != nil {
		t.Fatalf("failed to create partial index: %v", err)
	}

	err = Run(ctx, db)
	if err == nil {
		t.Fatal("Run() succeeded, want structural ambiguity abort")
	}
	var ambiguous *StructuralAmbiguityError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("error = %v, want StructuralAmbiguityError", err)
	}

	// The abort must leave the table untouched for manual inspection.
	var n int
	err = db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='ux_messages_partial'",
	).Scan(&n)
	if err != nil {
		t.Fatalf("failed to query index: %v", err)
	}
	if n != 1 {
		t.Error("partial index removed despite the abort")
	}
}

// A store already carrying the scoped unique index must not be rebuilt.
func TestRun_ModernStoreNotRebuilt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if _, err := db.Exec(`
	INSERT INTO messages (chat_identifier, topic_id, message_id, date, text)
	VALUES ('chat', -1, 1, '2024-01-01T00:00:00Z', 'row')`); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	needs, err := detectLegacyConstraint(ctx, db)
	if err != nil {
		t.Fatalf("detectLegacyConstraint() failed: %v", err)
	}
	if needs {
		t.Error("modern store flagged for legacy rebuild")
	}
}
