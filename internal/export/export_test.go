package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmaltsev/tgmirror/internal/dedup"
	"github.com/dmaltsev/tgmirror/internal/migrate"
	"github.com/dmaltsev/tgmirror/internal/store"
)

func openSeededDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrate.Run(context.Background(), db.RawDB()); err != nil {
		t.Fatalf("migrate.Run() failed: %v", err)
	}
	return db
}

func seedMessage(t *testing.T, db *store.DB, m *store.Message) {
	t.Helper()
	if _, err := db.UpsertMessage(context.Background(), m, time.Now()); err != nil {
		t.Fatalf("UpsertMessage() failed: %v", err)
	}
}

func TestWriteCSV_HeaderAndBOM(t *testing.T) {
	db := openSeededDB(t)
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat", TopicID: store.NoTopic, MessageID: 1,
		Date: time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC),
		SenderUsername: "alice", Text: "привет",
	})

	var buf bytes.Buffer
	n, err := WriteCSV(context.Background(), db, &buf, CSVOptions{})
	if err != nil {
		t.Fatalf("WriteCSV() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("rows written = %d, want 1", n)
	}

	out := buf.Bytes()
	if !bytes.HasPrefix(out, []byte{0xEF, 0xBB, 0xBF}) {
		t.Error("CSV output must start with a UTF-8 BOM")
	}

	r := csv.NewReader(bytes.NewReader(out[3:]))
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want header + 1 row", len(records))
	}
	wantHeader := "chat_id,chat_identifier,topic_id,message_id,date,edit_date,sender_id,sender_username,text,reply_to_msg_id,is_service,deleted,updated_at"
	if got := strings.Join(records[0], ","); got != wantHeader {
		t.Errorf("header = %q, want %q", got, wantHeader)
	}
	if records[1][8] != "привет" {
		t.Errorf("text cell = %q", records[1][8])
	}
}

func TestWriteCSV_Dedupe(t *testing.T) {
	db := openSeededDB(t)
	day := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat-a", TopicID: store.NoTopic, MessageID: 1,
		Date: day, Text: "same post",
	})
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat-b", TopicID: store.NoTopic, MessageID: 2,
		Date: day.Add(time.Hour), Text: "same   post",
	})

	var buf bytes.Buffer
	n, err := WriteCSV(context.Background(), db, &buf, CSVOptions{Dedupe: true, Mode: dedup.ModeText})
	if err != nil {
		t.Fatalf("WriteCSV() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("rows written = %d, want 1 (chronologically first occurrence)", n)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"one  line", "one line"},
		{"a\r\nb\rc", "a\nb\nc"},
		{"first   line\n\n\n  second\tline  \n", "first line\nsecond line"},
		{"\n \n", ""},
	}
	for _, tc := range tests {
		if got := CleanText(tc.in); got != tc.want {
			t.Errorf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWriteJSONL_Filters(t *testing.T) {
	db := openSeededDB(t)
	day := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)

	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat", TopicID: store.NoTopic, MessageID: 1,
		Date: day, SenderUsername: "alice", Text: "a proper message",
	})
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat", TopicID: store.NoTopic, MessageID: 2,
		Date: day, Text: "#tag #only",
	})
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat", TopicID: store.NoTopic, MessageID: 3,
		Date: day, Text: "hi",
	})
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat", TopicID: store.NoTopic, MessageID: 4,
		Date: day, Text: "joined the group", IsService: true,
	})
	seedMessage(t, db, &store.Message{
		ChatIdentifier: "otherchat", TopicID: store.NoTopic, MessageID: 5,
		Date: day, Text: "from another chat",
	})

	var buf bytes.Buffer
	n, err := WriteJSONL(context.Background(), db, &buf, JSONLOptions{
		ChatIdentifier:  "chat",
		MinChars:        3,
		SkipHashtagOnly: true,
	})
	if err != nil {
		t.Fatalf("WriteJSONL() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("records written = %d, want 1", n)
	}

	var rec struct {
		Chat      string `json:"chat"`
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("failed to parse JSONL line: %v", err)
	}
	if rec.Chat != "chat" || rec.MessageID != 1 {
		t.Errorf("record = %+v, want message 1 from chat", rec)
	}
	if rec.Text != "a proper message" {
		t.Errorf("text = %q", rec.Text)
	}
}

func TestWriteJSONL_ExcludesTombstonedByDefault(t *testing.T) {
	db := openSeededDB(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	scope := store.Scope{ChatIdentifier: "chat", TopicID: store.NoTopic}

	seedMessage(t, db, &store.Message{
		ChatIdentifier: "chat", TopicID: store.NoTopic, MessageID: 1,
		Date: day, Text: "will be deleted",
	})
	if _, err := db.MarkDeleted(ctx, scope, map[int64]struct{}{}, day.Add(-time.Hour), time.Now()); err != nil {
		t.Fatalf("MarkDeleted() failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := WriteJSONL(ctx, db, &buf, JSONLOptions{})
	if err != nil {
		t.Fatalf("WriteJSONL() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("records = %d, want 0", n)
	}

	buf.Reset()
	n, err = WriteJSONL(ctx, db, &buf, JSONLOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("WriteJSONL() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("records = %d with IncludeDeleted, want 1", n)
	}
}
