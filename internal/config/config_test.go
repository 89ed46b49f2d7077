package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
logging:
  level: debug
  console: true
replies:
  enabled: true
  name_keywords: [banter]
  queue_cap: 10
  coalesce_window: 2s
  send_cooldown: 10s
initiative:
  enabled: true
  mode: spontaneous
  spontaneity: 0.4
  max_posts_per_day: 6
  min_gap: 45m
  channels:
    - channel_id: "1001"
storage:
  driver: sqlite
  path: ./banterbot.db
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "bot.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if !cfg.Replies.Enabled || cfg.Replies.QueueCap != 10 {
		t.Errorf("replies = %+v", cfg.Replies)
	}
	if cfg.Initiative.Mode != "spontaneous" || len(cfg.Initiative.Channels) != 1 {
		t.Errorf("initiative = %+v", cfg.Initiative)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "bot.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		edit func(c *Config)
		want string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"initiative without channels", func(c *Config) { c.Initiative.Channels = nil }, "initiative.channels"},
		{"bad mode", func(c *Config) { c.Initiative.Mode = "sometimes" }, "initiative.mode"},
		{"spontaneity out of range", func(c *Config) { c.Initiative.Spontaneity = 1.5 }, "spontaneity"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad duration", func(c *Config) { c.Replies.SendCooldown = "soonish" }, "send_cooldown"},
		{"negative duration", func(c *Config) { c.Initiative.MinGap = "-5m" }, "min_gap"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "bot.yaml", validYAML))
			cfg, err := m.Parse()
			if err != nil {
				t.Fatal(err)
			}
			tc.edit(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5); err != nil || d != 5 {
		t.Errorf("empty = (%v, %v), want default", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "3s", 5); err != nil || d.Seconds() != 3 {
		t.Errorf("3s = (%v, %v)", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", 5); err == nil {
		t.Error("invalid duration accepted")
	}
}
