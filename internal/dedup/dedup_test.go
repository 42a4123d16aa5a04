package dedup

import (
	"testing"
	"time"

	"github.com/dmaltsev/tgmirror/internal/store"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello team", "hello team"},
		{"  hello   team  ", "hello team"},
		{"hello\n\tteam", "hello team"},
		{"\n\n  \t ", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Canonicalize(tc.in); got != tc.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"text":            ModeText,
		"TEXT+SENDER":     ModeTextSender,
		"text+sender+day": ModeTextSenderDay,
	} {
		got, err := ParseMode(in)
		if err != nil {
			t.Errorf("ParseMode(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("ParseMode(bogus) should fail")
	}
}

func TestIdentityHash_Deterministic(t *testing.T) {
	at := time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC)
	a := IdentityHash("hello team", "alice", at, ModeTextSenderDay)
	b := IdentityHash("hello team", "alice", at.Add(3*time.Hour), ModeTextSenderDay)
	if a != b {
		t.Error("same body, author, and day must hash identically")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}

	nextDay := IdentityHash("hello team", "alice", at.AddDate(0, 0, 1), ModeTextSenderDay)
	if a == nextDay {
		t.Error("different day must change the hash under text+sender+day")
	}
	otherAuthor := IdentityHash("hello team", "bob", at, ModeTextSender)
	sameAuthor := IdentityHash("hello team", "alice", at, ModeTextSender)
	if otherAuthor == sameAuthor {
		t.Error("different author must change the hash under text+sender")
	}

	// Under text-only mode neither author nor day matters.
	x := IdentityHash("hello team", "alice", at, ModeText)
	y := IdentityHash("hello team", "bob", at.AddDate(0, 0, 5), ModeText)
	if x != y {
		t.Error("text-only mode must ignore author and day")
	}
}

func TestAuthorKey_Fallbacks(t *testing.T) {
	id := int64(42)
	withHandle := &store.Message{SenderUsername: "alice", SenderID: &id}
	if got := AuthorKey(withHandle); got != "alice" {
		t.Errorf("AuthorKey = %q, want handle", got)
	}
	idOnly := &store.Message{SenderID: &id}
	if got := AuthorKey(idOnly); got != "42" {
		t.Errorf("AuthorKey = %q, want numeric id string", got)
	}
	anon := &store.Message{}
	if got := AuthorKey(anon); got != "" {
		t.Errorf("AuthorKey = %q, want empty", got)
	}
}

func TestMessageIdentity_EmptyBodyExcluded(t *testing.T) {
	m := &store.Message{Text: "   \n\t  ", Date: time.Now()}
	if _, _, ok := MessageIdentity(m, ModeText); ok {
		t.Error("whitespace-only message must be excluded from dedup")
	}
	m.Text = "actual content"
	hash, canonical, ok := MessageIdentity(m, ModeText)
	if !ok {
		t.Fatal("message with content must produce an identity")
	}
	if canonical != "actual content" {
		t.Errorf("canonical = %q", canonical)
	}
	if hash == "" {
		t.Error("hash must not be empty")
	}
}
