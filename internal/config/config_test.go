package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: DEBUG
  console: true
email:
  provider: imap
  max_emails_per_fetch: 5
  check_interval: 60s
  imap:
    host: imap.example.com
    port: 993
filter:
  important_domains: [acme.com]
  important_keywords: [invoice]
  recency_hours: 12
telegram:
  bot_token: from-file
  chat_id: "-100"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAMLAndEnvOverride(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnvLookup(func(k string) (string, bool) {
		switch k {
		case "NOTIFYSYNC_TELEGRAM_BOT_TOKEN":
			return " from-env ", true
		case "NOTIFYSYNC_IMAP_PASSWORD":
			return "", true
		}
		return "", false
	})

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Email.Provider != "imap" || cfg.Email.MaxEmailsPerFetch != 5 || cfg.Email.IMAP.Port != 993 {
		t.Fatalf("unexpected email config: %+v", cfg.Email)
	}
	if !reflect.DeepEqual(cfg.Filter.ImportantDomains, []string{"acme.com"}) {
		t.Fatalf("domains = %v", cfg.Filter.ImportantDomains)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.BotToken)
	}
	if cfg.Telegram.ChatID != "-100" {
		t.Fatalf("chat id = %q", cfg.Telegram.ChatID)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"email":{"bogus":1}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestLoadEnvFileMissingIsNotAnError(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("LoadEnvFile(empty): %v", err)
	}
}

func TestLoadEnvFileDoesNotOverrideExisting(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "NOTIFYSYNC_TEST_A=file\nNOTIFYSYNC_TEST_B=file\n")
	t.Setenv("NOTIFYSYNC_TEST_A", "process")
	if err := LoadEnvFile(p); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("NOTIFYSYNC_TEST_B") })
	if got := os.Getenv("NOTIFYSYNC_TEST_A"); got != "process" {
		t.Fatalf("A = %q, want process", got)
	}
	if got := os.Getenv("NOTIFYSYNC_TEST_B"); got != "file" {
		t.Fatalf("B = %q, want file", got)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", "2h"); err != nil || d != 2*time.Hour {
		t.Fatalf("2h: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage duration should fail")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{}
	b := &Config{}
	b.Filter.ImportantKeywords = []string{"urgent"}
	b.Telegram.BotToken = "secret"
	b.Email.MaxNotificationsPerDay = 5

	sections, attrs := SummarizeConfigChange(a, b)
	want := []string{"email.limits", "filter", "telegram"}
	if !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); !reflect.DeepEqual(got, []string{"telegram"}) {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestReloadSkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"filter":{"recency_hours":1}}`)
	m := NewManager(p)
	m.SetEnvLookup(func(string) (string, bool) { return "", false })
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Filter.RecencyHours < 0 {
			return os.ErrInvalid
		}
		return nil
	})

	writeFile(t, dir, "config.json", `{"filter":{"recency_hours":-1}}`)
	m.reload(context.Background())
	if m.Get().Filter.RecencyHours != 1 {
		t.Fatal("invalid config must not be committed")
	}

	writeFile(t, dir, "config.json", `{"filter":{"recency_hours":6}}`)
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Filter.RecencyHours != 6 {
			t.Fatalf("published recency = %d", cfg.Filter.RecencyHours)
		}
	default:
		t.Fatal("valid reload was not published")
	}
}
