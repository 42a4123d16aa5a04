package export

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/dmaltsev/tgmirror/internal/dedup"
	"github.com/dmaltsev/tgmirror/internal/store"
)

// JSONLOptions filters and shapes a JSONL export. The zero value exports
// every live non-service message unmodified.
type JSONLOptions struct {
	// ChatIdentifier restricts output to one chat when non-empty.
	ChatIdentifier string
	// TopicID restricts output to one topic when non-nil.
	TopicID *int64
	// IncludeDeleted keeps tombstoned messages in the output.
	IncludeDeleted bool
	// IncludeService keeps service messages in the output.
	IncludeService bool
	// MinChars drops messages whose cleaned text is shorter than this.
	MinChars int
	// SkipHashtagOnly drops messages where every token starts with '#'.
	SkipHashtagOnly bool
	// Dedupe keeps only the chronologically first message per identity.
	Dedupe bool
	// Mode selects the identity parts when Dedupe is set.
	Mode dedup.Mode
}

// jsonlRecord is one exported line. The field set matches what the replay
// source reads back, so an export can drive a later ingest.
type jsonlRecord struct {
	Chat           string  `json:"chat"`
	TopicID        int64   `json:"topic_id"`
	MessageID      int64   `json:"message_id"`
	Date           string  `json:"date"`
	EditDate       *string `json:"edit_date"`
	SenderID       *int64  `json:"sender_id"`
	SenderUsername string  `json:"sender_username"`
	ReplyToMsgID   *int64  `json:"reply_to_msg_id"`
	IsService      bool    `json:"is_service"`
	Deleted        bool    `json:"deleted"`
	Text           string  `json:"text"`
}

var wsRun = regexp.MustCompile(`\s+`)

// CleanText normalizes line endings, collapses whitespace runs within each
// line, and drops empty lines. Unlike Canonicalize it keeps the newline
// structure of multi-line messages.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(wsRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func hashtagOnly(cleaned string) bool {
	toks := strings.Fields(cleaned)
	if len(toks) == 0 {
		return false
	}
	for _, tok := range toks {
		if !strings.HasPrefix(tok, "#") {
			return false
		}
	}
	return true
}

// WriteJSONL streams the filtered messages of db to w, one JSON object per
// line, in chronological order. Returns the number of lines written.
func WriteJSONL(ctx context.Context, db *store.DB, w io.Writer, opts JSONLOptions) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	seen := make(map[string]struct{})
	written := 0
	err := db.ScanMessages(ctx, func(m *store.Message) error {
		if opts.ChatIdentifier != "" && m.ChatIdentifier != opts.ChatIdentifier {
			return nil
		}
		if opts.TopicID != nil && m.TopicID != *opts.TopicID {
			return nil
		}
		if m.Deleted && !opts.IncludeDeleted {
			return nil
		}
		if m.IsService && !opts.IncludeService {
			return nil
		}
		if m.Text == "" {
			return nil
		}
		cleaned := CleanText(m.Text)
		if opts.MinChars > 0 && len([]rune(cleaned)) < opts.MinChars {
			return nil
		}
		if opts.SkipHashtagOnly && hashtagOnly(cleaned) {
			return nil
		}
		if opts.Dedupe {
			// Identity is computed over the cleaned text the consumer will
			// actually see.
			canonical := dedup.Canonicalize(cleaned)
			if canonical != "" {
				hash := dedup.IdentityHash(canonical, dedup.AuthorKey(m), m.Date, opts.Mode)
				if _, dup := seen[hash]; dup {
					return nil
				}
				seen[hash] = struct{}{}
			}
		}

		rec := jsonlRecord{
			Chat:           m.ChatIdentifier,
			TopicID:        m.TopicID,
			MessageID:      m.MessageID,
			Date:           m.Date.UTC().Format(time.RFC3339),
			SenderID:       m.SenderID,
			SenderUsername: m.SenderUsername,
			ReplyToMsgID:   m.ReplyToMsgID,
			IsService:      m.IsService,
			Deleted:        m.Deleted,
			Text:           cleaned,
		}
		if m.EditDate != nil {
			s := m.EditDate.UTC().Format(time.RFC3339)
			rec.EditDate = &s
		}
		if err := enc.Encode(&rec); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, bw.Flush()
}
