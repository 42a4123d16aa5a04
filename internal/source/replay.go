package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// ReplaySource reads messages from a JSONL capture file, one record per
// line, and serves them the way a live source would: newest first, with an
// optional lower message-id bound. It backs offline ingestion and tests.
type ReplaySource struct {
	messages []*store.Message
}

// replayRecord is the on-disk line format. Field names match the JSONL
// export format, so an exported file round-trips back through replay.
type replayRecord struct {
	Chat           string  `json:"chat"`
	TopicID        *int64  `json:"topic_id"`
	MessageID      int64   `json:"message_id"`
	Date           string  `json:"date"`
	EditDate       *string `json:"edit_date"`
	SenderID       *int64  `json:"sender_id"`
	SenderUsername *string `json:"sender_username"`
	ReplyToMsgID   *int64  `json:"reply_to_msg_id"`
	IsService      bool    `json:"is_service"`
	Text           string  `json:"text"`
}

// OpenReplay loads a JSONL capture file into memory.
func OpenReplay(path string) (*ReplaySource, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	var msgs []*store.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec replayRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		m, err := rec.toMessage()
		if err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read capture file: %w", err)
	}

	// Serve newest first, the order a live source delivers in.
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.After(msgs[j].Date)
		}
		return msgs[i].MessageID > msgs[j].MessageID
	})

	return &ReplaySource{messages: msgs}, nil
}

func (r replayRecord) toMessage() (*store.Message, error) {
	date, err := time.Parse(time.RFC3339, r.Date)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", r.Date, err)
	}
	m := &store.Message{
		ChatIdentifier: r.Chat,
		TopicID:        store.NoTopic,
		MessageID:      r.MessageID,
		Date:           date,
		SenderID:       r.SenderID,
		ReplyToMsgID:   r.ReplyToMsgID,
		IsService:      r.IsService,
		Text:           r.Text,
	}
	if r.TopicID != nil {
		m.TopicID = *r.TopicID
	}
	if r.SenderUsername != nil {
		m.SenderUsername = *r.SenderUsername
	}
	if r.EditDate != nil && *r.EditDate != "" {
		t, err := time.Parse(time.RFC3339, *r.EditDate)
		if err != nil {
			return nil, fmt.Errorf("bad edit_date %q: %w", *r.EditDate, err)
		}
		m.EditDate = &t
	}
	return m, nil
}

// Iterate implements Source.
func (r *ReplaySource) Iterate(ctx context.Context, scope store.Scope, minMessageID int64) (Iterator, error) {
	return &replayIterator{src: r, scope: scope, minID: minMessageID}, nil
}

type replayIterator struct {
	src   *ReplaySource
	scope store.Scope
	minID int64
	pos   int
}

func (it *replayIterator) Next(ctx context.Context) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for it.pos < len(it.src.messages) {
		m := it.src.messages[it.pos]
		it.pos++
		if m.ChatIdentifier != it.scope.ChatIdentifier || m.TopicID != it.scope.TopicID {
			continue
		}
		if m.MessageID <= it.minID {
			continue
		}
		// Hand out a copy so callers can't mutate the capture.
		cp := *m
		return &cp, nil
	}
	return nil, ErrDone
}
