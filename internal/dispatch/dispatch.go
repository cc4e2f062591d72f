// Package dispatch turns classified items into outbound Telegram traffic:
// per-item notifications during a poll cycle, and on-demand digest reports
// over the stored corpus.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbot/internal/kit"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

type Config struct {
	// RatePerSec caps outbound sends within a cycle (Telegram flood limits).
	RatePerSec int
	// GlobalChatID receives notifications for the global scope.
	GlobalChatID int64
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	items   storage.ItemStore
	log     logx.Logger
}

func New(cfg Config, adapter kit.Adapter, items storage.ItemStore, log logx.Logger) *Service {
	s := &Service{adapter: adapter, items: items, log: log}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst 1: notifications within a cycle are spaced, not batched.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	s.mu.Unlock()
}

// Target resolves the chat a scope's notifications go to. The global scope
// uses the configured chat; any other scope key is a Telegram chat id.
func (s *Service) Target(scope string) (kit.ChatTarget, bool) {
	if scope == storage.GlobalScope {
		s.mu.Lock()
		id := s.cfg.GlobalChatID
		s.mu.Unlock()
		return kit.ChatTarget{ChatID: id}, id != 0
	}
	id, err := strconv.ParseInt(scope, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, false
	}
	return kit.ChatTarget{ChatID: id}, true
}

// Notify sends one message for a newly-relevant item and marks it
// dispatched on success. A failed send is logged and swallowed; the item
// stays relevant-but-undispatched and the cycle continues.
func (s *Service) Notify(ctx context.Context, scope string, it storage.Item) {
	to, ok := s.Target(scope)
	if !ok {
		s.log.Debug("no notify target for scope", logx.String("scope", scope))
		return
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return
	}

	_, err := s.adapter.SendText(ctx, to, renderItem(it),
		&kit.SendOptions{ParseMode: "Markdown", DisablePreview: true})
	if err != nil {
		s.log.Warn("item notification failed",
			logx.String("scope", scope), logx.String("guid", it.GUID), logx.Err(err))
		return
	}

	if err := s.items.MarkDispatched(ctx, scope, it.GUID, time.Now()); err != nil {
		s.log.Warn("mark dispatched failed",
			logx.String("scope", scope), logx.String("guid", it.GUID), logx.Err(err))
	}
}

// DigestReport is the materialized digest for one scope and window.
type DigestReport struct {
	Scope  string
	Window storage.Window
	Items  []storage.Item
}

const digestLimit = 50

// BuildDigest reads the window; it has no side effects beyond the query.
func (s *Service) BuildDigest(ctx context.Context, scope string, w storage.Window) (DigestReport, error) {
	items, err := s.items.QueryWindow(ctx, scope, w, digestLimit)
	if err != nil {
		return DigestReport{}, err
	}
	return DigestReport{Scope: scope, Window: w, Items: items}, nil
}

// SendDigest delivers a built report: the full document attachment, plus
// inline per-item messages when the report is small.
func (s *Service) SendDigest(ctx context.Context, report DigestReport) error {
	to, ok := s.Target(report.Scope)
	if !ok {
		return fmt.Errorf("scope %s has no digest target", report.Scope)
	}

	if len(report.Items) == 0 {
		_, err := s.adapter.SendText(ctx, to, "📭 Новостей за этот период нет.", nil)
		return err
	}

	name := windowName(report.Window)
	doc := kit.Document{
		Bytes:    RenderDocument(report),
		Filename: fmt.Sprintf("digest_%s.txt", report.Window),
		Caption:  fmt.Sprintf("📰 *Дайджест %s* (%d нов.)", name, len(report.Items)),
	}
	if err := s.adapter.SendDocument(ctx, to, doc, &kit.SendOptions{ParseMode: "Markdown"}); err != nil {
		return err
	}

	if len(report.Items) > 5 {
		return nil
	}
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	for _, it := range report.Items {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.adapter.SendText(ctx, to, renderItem(it),
			&kit.SendOptions{ParseMode: "Markdown", DisablePreview: true}); err != nil {
			s.log.Warn("digest item send failed", logx.String("scope", report.Scope), logx.Err(err))
		}
	}
	return nil
}

// RenderDocument renders the plain-text digest file.
func RenderDocument(report DigestReport) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "ДАЙДЖЕСТ %s\n", windowName(report.Window))
	fmt.Fprintf(&b, "Всего новостей: %d\n", len(report.Items))
	b.WriteString(strings.Repeat("=", 50) + "\n\n")

	for i, it := range report.Items {
		fmt.Fprintf(&b, "Новость #%d\n", i+1)
		fmt.Fprintf(&b, "Дата: %s\n", it.PublishedAt.Format("02.01.2006 15:04"))
		fmt.Fprintf(&b, "Заголовок: %s\n", it.Title)
		fmt.Fprintf(&b, "Описание: %s\n", truncateRunes(it.Summary, 300))
		fmt.Fprintf(&b, "Ссылка: %s\n", it.Link)
		if it.MajorCount > 0 || it.MinorCount > 0 {
			fmt.Fprintf(&b, "Паттерны: мажорных=%d, минорных=%d\n", it.MajorCount, it.MinorCount)
		}
		if len(it.MatchedPatterns) > 0 {
			shown := it.MatchedPatterns
			extra := 0
			if len(shown) > 3 {
				extra = len(shown) - 3
				shown = shown[:3]
			}
			fmt.Fprintf(&b, "Совпадения: %s", strings.Join(shown, ", "))
			if extra > 0 {
				fmt.Fprintf(&b, " и ещё %d", extra)
			}
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat("-", 50) + "\n\n")
	}
	return []byte(b.String())
}

// FormatStats renders the statistics view.
func FormatStats(st storage.Stats) string {
	return fmt.Sprintf(
		"📊 *Статистика новостей*\n\n"+
			"✅ Релевантных всего: %d\n"+
			"• Сегодня: %d\n"+
			"• Неделя: %d\n"+
			"• Месяц: %d\n\n"+
			"🔍 Найдено паттернов:\n"+
			"• Мажорных: %d\n"+
			"• Минорных: %d",
		st.Total, st.Today, st.Week, st.Month, st.MajorSum, st.MinorSum)
}

func renderItem(it storage.Item) string {
	emoji := "🟡"
	switch {
	case it.MajorCount > 0:
		emoji = "🔴"
	case it.MinorCount >= 3:
		emoji = "🟠"
	}

	var counts []string
	if it.MajorCount > 0 {
		counts = append(counts, fmt.Sprintf("маж: %d", it.MajorCount))
	}
	if it.MinorCount > 0 {
		counts = append(counts, fmt.Sprintf("мин: %d", it.MinorCount))
	}
	countStr := ""
	if len(counts) > 0 {
		countStr = "(" + strings.Join(counts, ", ") + ")"
	}

	return fmt.Sprintf("%s *%s*\n%s\n%s\n[🔗 Читать](%s)\n%s",
		emoji, it.Title, truncateRunes(it.Summary, 200), countStr, it.Link,
		strings.Repeat("─", 30))
}

func windowName(w storage.Window) string {
	switch w {
	case storage.WindowToday:
		return "СЕГОДНЯ"
	case storage.WindowWeek:
		return "НЕДЕЛЯ"
	case storage.WindowMonth:
		return "МЕСЯЦ"
	default:
		return "ВСЕ"
	}
}

func truncateRunes(s string, maxN int) string {
	r := []rune(s)
	if len(r) <= maxN {
		return s
	}
	return string(r[:maxN]) + "..."
}
