package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const baseConfig = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [1], "notify_chat": -100, "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "storage": {"path": "x.db"},
  "poller": {"interval": "120s", "fetch_timeout": "15s"},
  "dispatch": {"rate_per_sec": 3},
  "digest": {"enabled": true, "schedule": "0 9 * * *", "window": "today"}
}`

func TestConfigManagerLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseConfig)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.NotifyChat != -100 {
		t.Fatalf("telegram section = %+v", cfg.Telegram)
	}
	if cfg.Poller.Interval != "120s" {
		t.Fatalf("poller interval = %q", cfg.Poller.Interval)
	}
	if got := m.Get(); got.Digest.Schedule != "0 9 * * *" {
		t.Fatalf("Get() digest = %+v", got.Digest)
	}
}

func TestConfigManagerLoadMissingFile(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "nope.json"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReloadRejectedByValidatorKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseConfig)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Telegram.Token == "" {
			return fmt.Errorf("token required")
		}
		return nil
	})

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	writeConfig(t, path, `{"telegram": {"token": ""}}`)
	m.reload(context.Background())

	if got := m.Get(); got.Telegram.Token != "123:abc" {
		t.Fatalf("rejected reload replaced the config: %+v", got.Telegram)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("rejected reload must not publish, got %+v", cfg.Telegram)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReloadPublishesNewConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseConfig)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	updated := `{
  "telegram": {"token": "123:abc", "notify_chat": -200},
  "poller": {"interval": "60s"}
}`
	writeConfig(t, path, updated)
	m.reload(context.Background())

	if got := m.Get(); got.Telegram.NotifyChat != -200 {
		t.Fatalf("reload did not take: %+v", got.Telegram)
	}
	select {
	case cfg := <-sub:
		if cfg.Poller.Interval != "60s" {
			t.Fatalf("published config = %+v", cfg.Poller)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published after reload")
	}
}

func TestReloadMalformedJSONKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseConfig)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeConfig(t, path, `{not json`)
	m.reload(context.Background())

	if got := m.Get(); got.Telegram.Token != "123:abc" {
		t.Fatalf("malformed reload replaced the config: %+v", got.Telegram)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if _, err := parseDurationField("poller.interval", "not-a-duration"); err == nil {
		t.Fatal("expected error")
	}
	d, err := parseDurationField("poller.interval", "90s")
	if err != nil {
		t.Fatalf("parseDurationField: %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("d = %v", d)
	}
	// Empty means "use the default"; not an error.
	if _, err := parseDurationField("poller.interval", ""); err != nil {
		t.Fatalf("empty field must be accepted: %v", err)
	}
}

func TestDurationOrDefault(t *testing.T) {
	t.Parallel()
	if got := durationOrDefault("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("empty: %v", got)
	}
	if got := durationOrDefault("bad", 5*time.Second); got != 5*time.Second {
		t.Fatalf("invalid: %v", got)
	}
	if got := durationOrDefault("2m", 5*time.Second); got != 2*time.Minute {
		t.Fatalf("valid: %v", got)
	}
}

func TestPublishRacingUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused")
	cfg := &Config{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			m.publish(cfg)
		}
	}()
	for i := 0; i < 2000; i++ {
		ch := m.Subscribe(1)
		m.Unsubscribe(ch)
	}
	<-done
}
