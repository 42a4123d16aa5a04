package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmaltsev/tgmirror/internal/migrate"
	"github.com/dmaltsev/tgmirror/internal/store"
)

func openMirror(t *testing.T, name string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrate.Run(context.Background(), db.RawDB()); err != nil {
		t.Fatalf("migrate.Run() failed: %v", err)
	}
	return db
}

func seed(t *testing.T, db *store.DB, chat string, id int64, text string) {
	t.Helper()
	sender := int64(700)
	m := &store.Message{
		ChatIdentifier: chat,
		TopicID:        store.NoTopic,
		MessageID:      id,
		Date:           time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		SenderID:       &sender,
		SenderUsername: "carol",
		Text:           text,
	}
	if _, err := db.UpsertMessage(context.Background(), m, time.Now().UTC()); err != nil {
		t.Fatalf("UpsertMessage() failed: %v", err)
	}
}

func TestDatabases_MergesTwoSources(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	a := openMirror(t, "a.db")
	seed(t, a, "chat-a", 1, "only in a")
	seed(t, a, "shared", 5, "shared original")

	b := openMirror(t, "b.db")
	seed(t, b, "chat-b", 2, "only in b")
	seed(t, b, "shared", 5, "shared edited")

	dst := openMirror(t, "merged.db")
	stats, err := Databases(ctx, dst, []string{a.Path(), b.Path()}, logger)
	if err != nil {
		t.Fatalf("Databases() failed: %v", err)
	}
	if stats.Sources != 2 || stats.Scanned != 4 {
		t.Errorf("stats = %+v, want 2 sources / 4 scanned", stats)
	}
	// Source b's copy of the shared message carries different text, so it
	// lands as an update on top of source a's insert.
	if stats.Created != 3 || stats.Updated != 1 {
		t.Errorf("stats = %+v, want 3 created / 1 updated", stats)
	}

	got, err := dst.GetMessage(ctx, store.Scope{ChatIdentifier: "shared", TopicID: store.NoTopic}, 5)
	if err != nil {
		t.Fatalf("GetMessage() failed: %v", err)
	}
	if got.Text != "shared edited" {
		t.Errorf("merged text = %q, want later source to win", got.Text)
	}
}

func TestDatabases_Rerunnable(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	src := openMirror(t, "src.db")
	seed(t, src, "chat-a", 1, "hello")
	seed(t, src, "chat-a", 2, "world")

	dst := openMirror(t, "merged.db")
	if _, err := Databases(ctx, dst, []string{src.Path()}, logger); err != nil {
		t.Fatalf("Databases() failed: %v", err)
	}

	stats, err := Databases(ctx, dst, []string{src.Path()}, logger)
	if err != nil {
		t.Fatalf("Databases() re-run failed: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 0 || stats.Unchanged != 2 {
		t.Errorf("re-merge stats = %+v, want all unchanged", stats)
	}
}

func TestDatabases_MissingSource(t *testing.T) {
	dst := openMirror(t, "merged.db")
	_, err := Databases(context.Background(), dst, []string{filepath.Join(t.TempDir(), "absent", "x.db")}, zerolog.Nop())
	if err == nil {
		t.Fatal("merging a missing source should fail")
	}
}
