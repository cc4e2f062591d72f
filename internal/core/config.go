package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"newsbot/pkg/logx"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Poller   PollerConfig   `json:"poller"`
	Dispatch DispatchConfig `json:"dispatch"`
	Digest   DigestConfig   `json:"digest"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// NotifyChat receives the global scope's notifications.
	NotifyChat int64 `json:"notify_chat"`
	// GroupLog receives the Telegram log sink output (0 disables).
	GroupLog int64 `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}
type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string.
	BusyTimeout string `json:"busy_timeout"`
}

type PollerConfig struct {
	// Interval is a Go duration string; default "300s".
	Interval     string `json:"interval"`
	FetchTimeout string `json:"fetch_timeout"`
}

type DispatchConfig struct {
	RatePerSec int `json:"rate_per_sec"`
}

type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Window   string `json:"window"`
	Timezone string `json:"timezone,omitempty"`
}

// Validator rejects a hot-reloaded config before it is published.
type Validator func(ctx context.Context, cfg *Config) error

type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	subs     []chan *Config
	validate Validator
	log      logx.Logger
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.mu.Lock(); m.log = log; m.mu.Unlock() }
func (m *ConfigManager) SetValidator(v Validator) { m.mu.Lock(); m.validate = v; m.mu.Unlock() }

func (m *ConfigManager) Load() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	return &cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch <-chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.subs {
		if c == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	// Hold the lock across the sends: Unsubscribe closes channels under
	// the write lock, avoiding send-on-closed panics.
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// drop if slow subscriber
		}
	}
}

// reload re-reads the file, validates, and publishes.
// An invalid file keeps the previously committed config.
func (m *ConfigManager) reload(ctx context.Context) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload: read failed", logx.Err(err))
		return
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		m.log.Warn("config reload rejected: parse error", logx.Err(err))
		return
	}

	m.mu.RLock()
	validate := m.validate
	m.mu.RUnlock()
	if validate != nil {
		if err := validate(ctx, &cfg); err != nil {
			m.log.Warn("config reload rejected", logx.Err(err))
			return
		}
	}

	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	m.publish(&cfg)
}

func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			m.reload(ctx)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}

// parseDurationField parses a duration config value, allowing empty.
func parseDurationField(name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}

func durationOrDefault(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
