package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseChatIdentifier(t *testing.T) {
	tests := []struct {
		in        string
		wantChat  string
		wantTopic *int64
	}{
		{"somechannel", "somechannel", nil},
		{"@somechannel", "somechannel", nil},
		{"  @spaced  ", "spaced", nil},
		{"https://t.me/somegroup", "somegroup", nil},
		{"https://t.me/somegroup/46679", "somegroup", ptr(46679)},
		{"https://t.me/somegroup/notanumber", "somegroup", nil},
	}
	for _, tc := range tests {
		chat, topic, err := ParseChatIdentifier(tc.in)
		if err != nil {
			t.Errorf("ParseChatIdentifier(%q) failed: %v", tc.in, err)
			continue
		}
		if chat != tc.wantChat {
			t.Errorf("ParseChatIdentifier(%q) chat = %q, want %q", tc.in, chat, tc.wantChat)
		}
		switch {
		case tc.wantTopic == nil && topic != nil:
			t.Errorf("ParseChatIdentifier(%q) topic = %d, want none", tc.in, *topic)
		case tc.wantTopic != nil && (topic == nil || *topic != *tc.wantTopic):
			t.Errorf("ParseChatIdentifier(%q) topic = %v, want %d", tc.in, topic, *tc.wantTopic)
		}
	}

	if _, _, err := ParseChatIdentifier("   "); err == nil {
		t.Error("empty identifier should fail")
	}
}

func ptr(v int64) *int64 { return &v }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DBPath != "telegram_messages.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.DaysBack != 30 || cfg.EditLookbackDays != 7 {
		t.Errorf("windows = %d/%d, want 30/7", cfg.DaysBack, cfg.EditLookbackDays)
	}
	if cfg.FlushEvery != 300 {
		t.Errorf("FlushEvery = %d, want 300", cfg.FlushEvery)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OUTPUT_DB", "custom.db")
	t.Setenv("DAYS_BACK", "60")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DBPath != "custom.db" {
		t.Errorf("DBPath = %q, want env override", cfg.DBPath)
	}
	if cfg.DaysBack != 60 {
		t.Errorf("DaysBack = %d, want 60", cfg.DaysBack)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
output_db: from_file.db
days_back: 14
edit_lookback_days: 3
scopes:
  - chat: somechannel
  - chat: somegroup
    topic_id: 42
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DBPath != "from_file.db" || cfg.DaysBack != 14 {
		t.Errorf("cfg = %+v, want file values", cfg)
	}
	if len(cfg.Scopes) != 2 {
		t.Fatalf("Scopes = %d, want 2", len(cfg.Scopes))
	}
	if cfg.Scopes[1].TopicID == nil || *cfg.Scopes[1].TopicID != 42 {
		t.Errorf("second scope topic = %v, want 42", cfg.Scopes[1].TopicID)
	}
}

// Lookback wider than retention silently clamps; invalid values fail.
func TestLoad_Validation(t *testing.T) {
	t.Setenv("EDIT_LOOKBACK_DAYS", "90")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.EditLookbackDays != cfg.DaysBack {
		t.Errorf("EditLookbackDays = %d, want clamped to %d", cfg.EditLookbackDays, cfg.DaysBack)
	}

	t.Setenv("DAYS_BACK", "0")
	if _, err := Load(""); err == nil {
		t.Error("zero days_back should fail validation")
	}
}

func TestLoadScopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopes.yaml")
	content := `
scopes:
  - chat: alpha
  - chat: https://t.me/beta/7
    topic_id: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write scopes: %v", err)
	}
	scopes, err := LoadScopes(path)
	if err != nil {
		t.Fatalf("LoadScopes() failed: %v", err)
	}
	if len(scopes) != 2 || scopes[0].Chat != "alpha" {
		t.Errorf("scopes = %+v", scopes)
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("scopes: []\n"), 0o644); err != nil {
		t.Fatalf("failed to write empty scopes: %v", err)
	}
	if _, err := LoadScopes(empty); err == nil {
		t.Error("empty scopes file should fail")
	}
}
