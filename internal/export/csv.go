// Package export renders a mirror database to portable formats: a CSV dump
// of the raw table, and a filtered JSONL stream of cleaned message text. Both
// emit rows in chronological order and can optionally collapse duplicates by
// content address.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dmaltsev/tgmirror/internal/dedup"
	"github.com/dmaltsev/tgmirror/internal/store"
)

// csvHeaders is the column order of the CSV dump. It mirrors the messages
// table exactly so the file round-trips into spreadsheets without surprises.
var csvHeaders = []string{
	"chat_id",
	"chat_identifier",
	"topic_id",
	"message_id",
	"date",
	"edit_date",
	"sender_id",
	"sender_username",
	"text",
	"reply_to_msg_id",
	"is_service",
	"deleted",
	"updated_at",
}

// utf8BOM makes Excel detect UTF-8 so Cyrillic text opens correctly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions configures a CSV export.
type CSVOptions struct {
	// Dedupe keeps only the chronologically first row per identity hash.
	Dedupe bool
	// Mode selects the identity parts when Dedupe is set.
	Mode dedup.Mode
}

// WriteCSV streams every message of db to w in chronological order and
// returns the number of rows written.
func WriteCSV(ctx context.Context, db *store.DB, w io.Writer, opts CSVOptions) (int, error) {
	if _, err := w.Write(utf8BOM); err != nil {
		return 0, fmt.Errorf("failed to write BOM: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	seen := make(map[string]struct{})
	written := 0
	err := db.ScanMessages(ctx, func(m *store.Message) error {
		if opts.Dedupe {
			hash, _, ok := dedup.MessageIdentity(m, opts.Mode)
			if ok {
				if _, dup := seen[hash]; dup {
					return nil
				}
				seen[hash] = struct{}{}
			}
		}
		if err := cw.Write(csvRow(m)); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return written, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("failed to flush csv: %w", err)
	}
	return written, nil
}

func csvRow(m *store.Message) []string {
	return []string{
		optInt64(m.ChatID),
		m.ChatIdentifier,
		strconv.FormatInt(m.TopicID, 10),
		strconv.FormatInt(m.MessageID, 10),
		m.Date.UTC().Format(time.RFC3339),
		optTime(m.EditDate),
		optInt64(m.SenderID),
		m.SenderUsername,
		m.Text,
		optInt64(m.ReplyToMsgID),
		boolCell(m.IsService),
		boolCell(m.Deleted),
		optTime(m.UpdatedAt),
	}
}

func optInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func boolCell(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
