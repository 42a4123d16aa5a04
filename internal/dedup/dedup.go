// Package dedup collapses semantically identical messages by content
// address. A message canonicalizes to a whitespace-normalized body, and that
// body (optionally combined with an author key and calendar day) hashes to a
// stable identity. Messages sharing an identity are the same post, whether
// they came from one chat or many.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// Mode selects which parts of a message participate in its identity.
type Mode int

const (
	// ModeText hashes the canonical body only.
	ModeText Mode = iota
	// ModeTextSender adds the author key: same text from different people
	// stays distinct.
	ModeTextSender
	// ModeTextSenderDay further scopes identity to the calendar day, so a
	// recurring announcement counts once per day.
	ModeTextSenderDay
)

// ParseMode maps the user-facing mode names to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return ModeText, nil
	case "text+sender":
		return ModeTextSender, nil
	case "text+sender+day":
		return ModeTextSenderDay, nil
	default:
		return 0, fmt.Errorf("unknown dedup mode %q (want text, text+sender, or text+sender+day)", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeTextSender:
		return "text+sender"
	case ModeTextSenderDay:
		return "text+sender+day"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Canonicalize collapses every whitespace run to a single space and trims the
// ends. An all-whitespace body canonicalizes to "", which excludes the
// message from deduplication entirely.
func Canonicalize(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// AuthorKey picks the stable author component for hashing: the handle when
// present, else the numeric sender id, else empty.
func AuthorKey(m *store.Message) string {
	if m.SenderUsername != "" {
		return m.SenderUsername
	}
	if m.SenderID != nil {
		return strconv.FormatInt(*m.SenderID, 10)
	}
	return ""
}

// IdentityHash computes the content address for a canonical body under mode.
// The applicable parts are joined with "\n" and digested with SHA-256; the
// result is the lowercase hex digest. Callers must gate on an empty canonical
// body before hashing.
func IdentityHash(canonical, authorKey string, occurredAt time.Time, mode Mode) string {
	parts := []string{canonical}
	switch mode {
	case ModeTextSender:
		parts = append(parts, authorKey)
	case ModeTextSenderDay:
		parts = append(parts, authorKey, occurredAt.UTC().Format(time.RFC3339)[:10])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// MessageIdentity canonicalizes and hashes one message. ok is false when the
// message has no canonical content and must be skipped.
func MessageIdentity(m *store.Message, mode Mode) (hash, canonical string, ok bool) {
	canonical = Canonicalize(m.Text)
	if canonical == "" {
		return "", "", false
	}
	return IdentityHash(canonical, AuthorKey(m), m.Date, mode), canonical, true
}
