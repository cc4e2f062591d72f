// Package bot is the conversational boundary: it translates Telegram
// commands and inline-button callbacks into calls on the stores, poller and
// dispatcher. It holds no durable state of its own; multi-step input lives
// in a small in-memory pending map.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"newsbot/internal/classify"
	"newsbot/internal/dispatch"
	"newsbot/internal/kit"
	"newsbot/internal/poller"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

// pending tracks a user's in-flight multi-step action (FSM-lite).
type pending struct {
	kind  string // "add_minor" | "add_major" | "set_threshold" | "set_feed"
	scope string
}

type Router struct {
	adapter kit.Adapter
	scopes  storage.ConfigStore
	items   storage.ItemStore
	disp    *dispatch.Service
	poll    *poller.Service
	log     logx.Logger

	mu         sync.Mutex
	owners     []int64
	notifyChat int64
	pendings   map[int64]pending
}

func NewRouter(adapter kit.Adapter, scopes storage.ConfigStore, items storage.ItemStore,
	disp *dispatch.Service, poll *poller.Service, log logx.Logger) *Router {
	return &Router{
		adapter:  adapter,
		scopes:   scopes,
		items:    items,
		disp:     disp,
		poll:     poll,
		log:      log,
		pendings: map[int64]pending{},
	}
}

func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

func (r *Router) SetNotifyChat(chatID int64) {
	r.mu.Lock()
	r.notifyChat = chatID
	r.mu.Unlock()
}

// Commands returns the command menu for the adapter to publish.
func Commands() map[string]string {
	return map[string]string{
		"start":     "главное меню",
		"patterns":  "настройки паттернов",
		"digest":    "дайджест за период",
		"stats":     "статистика",
		"feed":      "сменить RSS-источник",
		"poll":      "включить/выключить опрос",
		"threshold": "порог минорных",
		"cancel":    "отменить действие",
	}
}

// scopeFor maps a chat onto its configuration scope. The configured notify
// chat and owner private chats operate the global scope; any other chat is
// its own scope.
func (r *Router) scopeFor(m *kit.Message) string {
	r.mu.Lock()
	notify := r.notifyChat
	owner := r.isOwnerLocked(m.FromID)
	r.mu.Unlock()

	if m.ChatID == notify {
		return storage.GlobalScope
	}
	if !m.IsGroup && owner {
		return storage.GlobalScope
	}
	return strconv.FormatInt(m.ChatID, 10)
}

func (r *Router) isOwnerLocked(userID int64) bool {
	for _, id := range r.owners {
		if id == userID {
			return true
		}
	}
	return false
}

// mayMutate gates ruleset mutations: owners everywhere; anyone on a chat's
// own scope.
func (r *Router) mayMutate(scope string, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isOwnerLocked(userID) {
		return true
	}
	return scope != storage.GlobalScope
}

// DispatchLoop consumes updates until ctx is cancelled.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler", logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	scope := r.scopeFor(m)

	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, m, scope, to, text)
		return
	}

	// Plain text only matters when the user is mid-flow.
	r.mu.Lock()
	p, ok := r.pendings[m.FromID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.completePending(ctx, m, p, to, text)
}

func (r *Router) handleCommand(ctx context.Context, m *kit.Message, scope string, to kit.ChatTarget, text string) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "start":
		r.reply(ctx, to, startText, mainMenu())
	case "cancel":
		r.clearPending(m.FromID)
		r.reply(ctx, to, "❌ Действие отменено", mainMenu())
	case "patterns":
		r.showPatterns(ctx, scope, to, 0)
	case "stats":
		r.showStats(ctx, scope, to, 0)
	case "digest":
		w := storage.WindowToday
		if len(args) > 0 {
			w = parseWindow(args[0])
		}
		r.sendDigest(ctx, scope, to, w)
	case "feed":
		if len(args) == 0 {
			r.setPending(m.FromID, pending{kind: "set_feed", scope: scope})
			r.reply(ctx, to, "🔗 Отправь URL RSS-ленты.\n❌ /cancel", nil)
			return
		}
		r.doSetFeed(ctx, m, scope, to, args[0])
	case "poll":
		if len(args) == 0 {
			r.reply(ctx, to, "Использование: /poll on|off", nil)
			return
		}
		r.doSetPoll(ctx, m, scope, to, strings.EqualFold(args[0], "on"))
	case "threshold":
		if len(args) == 0 {
			r.setPending(m.FromID, pending{kind: "set_threshold", scope: scope})
			r.reply(ctx, to, "🎯 Отправь новое число (>=1):\n❌ /cancel", nil)
			return
		}
		r.doSetThreshold(ctx, m, scope, to, args[0])
	case "add_minor":
		r.doAddPattern(ctx, m, scope, to, classify.KindMinor, strings.Join(args, " "))
	case "add_major":
		r.doAddPattern(ctx, m, scope, to, classify.KindMajor, strings.Join(args, " "))
	case "del":
		if len(args) < 2 {
			r.reply(ctx, to, "Использование: /del major|minor <номер>", nil)
			return
		}
		r.doRemovePattern(ctx, m, scope, to, parseKind(args[0]), args[1])
	}
}

func (r *Router) completePending(ctx context.Context, m *kit.Message, p pending, to kit.ChatTarget, text string) {
	switch p.kind {
	case "add_minor":
		r.doAddPattern(ctx, m, p.scope, to, classify.KindMinor, text)
	case "add_major":
		r.doAddPattern(ctx, m, p.scope, to, classify.KindMajor, text)
	case "set_threshold":
		r.doSetThreshold(ctx, m, p.scope, to, text)
	case "set_feed":
		r.doSetFeed(ctx, m, p.scope, to, text)
	}
}

// ---- mutations (each one is a single ConfigStore call; the store's change
// event restarts the scope's poller) ----

func (r *Router) doAddPattern(ctx context.Context, m *kit.Message, scope string, to kit.ChatTarget, kind classify.Kind, expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		r.setPending(m.FromID, pending{kind: "add_" + string(kind), scope: scope})
		r.reply(ctx, to, fmt.Sprintf("➕ Добавление паттерна (%s)\nОтправь регулярное выражение.\n❌ /cancel", kindNameRU(kind)), nil)
		return
	}
	if !r.mayMutate(scope, m.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	r.clearPending(m.FromID)

	if err := r.scopes.AddPattern(ctx, scope, kind, expr); err != nil {
		if errors.Is(err, storage.ErrInvalidPattern) {
			// Leave the pending state so the user can just retry.
			r.setPending(m.FromID, pending{kind: "add_" + string(kind), scope: scope})
			r.reply(ctx, to, "❌ Некорректное регулярное выражение. Попробуй снова.", nil)
			return
		}
		r.replyErr(ctx, to, err)
		return
	}
	cfg, _ := r.scopes.GetScope(ctx, scope)
	n := len(cfg.Ruleset.MinorPatterns)
	if kind == classify.KindMajor {
		n = len(cfg.Ruleset.MajorPatterns)
	}
	r.reply(ctx, to, fmt.Sprintf("✅ Паттерн (%s) добавлен. Всего: %d", kindNameRU(kind), n), patternsMenu())
}

func (r *Router) doRemovePattern(ctx context.Context, m *kit.Message, scope string, to kit.ChatTarget, kind classify.Kind, rawIdx string) {
	if !r.mayMutate(scope, m.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	idx, err := strconv.Atoi(strings.TrimSpace(rawIdx))
	if err != nil || idx < 1 {
		r.reply(ctx, to, "❌ Номер паттерна должен быть целым числом >= 1", nil)
		return
	}
	removed, err := r.scopes.RemovePattern(ctx, scope, kind, idx-1)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.reply(ctx, to, "❌ Паттерн не найден", patternsMenu())
			return
		}
		r.replyErr(ctx, to, err)
		return
	}
	r.reply(ctx, to, fmt.Sprintf("✅ Удалён: `%s`", removed), patternsMenu())
}

func (r *Router) doSetThreshold(ctx context.Context, m *kit.Message, scope string, to kit.ChatTarget, raw string) {
	if !r.mayMutate(scope, m.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		r.reply(ctx, to, "❌ Введи целое число >=1", nil)
		return
	}
	if err := r.scopes.SetThreshold(ctx, scope, val); err != nil {
		if errors.Is(err, storage.ErrInvalidValue) {
			r.reply(ctx, to, "❌ Введи целое число >=1", nil)
			return
		}
		r.replyErr(ctx, to, err)
		return
	}
	r.clearPending(m.FromID)
	r.reply(ctx, to, fmt.Sprintf("✅ Порог установлен: %d", val), patternsMenu())
}

func (r *Router) doSetFeed(ctx context.Context, m *kit.Message, scope string, to kit.ChatTarget, url string) {
	if !r.mayMutate(scope, m.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		r.reply(ctx, to, "❌ Это не похоже на URL", nil)
		return
	}
	if err := r.scopes.SetFeedSource(ctx, scope, url); err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	r.clearPending(m.FromID)
	r.reply(ctx, to, "✅ Источник обновлён: "+url, mainMenu())
}

func (r *Router) doSetPoll(ctx context.Context, m *kit.Message, scope string, to kit.ChatTarget, on bool) {
	if !r.mayMutate(scope, m.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	if err := r.scopes.SetPollEnabled(ctx, scope, on); err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	if on {
		r.reply(ctx, to, "▶️ Опрос включён", mainMenu())
	} else {
		r.reply(ctx, to, "⏸ Опрос выключен", mainMenu())
	}
}

// ---- read-only views ----

func (r *Router) showPatterns(ctx context.Context, scope string, to kit.ChatTarget, editID int) {
	cfg, err := r.scopes.GetScope(ctx, scope)
	if err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	text := fmt.Sprintf("⚙️ *Паттерны*\n\n🔴 Мажорных: %d\n🟡 Минорных: %d\n🎯 Порог: %d",
		len(cfg.Ruleset.MajorPatterns), len(cfg.Ruleset.MinorPatterns), cfg.Ruleset.MinorThreshold)
	r.replyOrEdit(ctx, to, editID, text, patternsMenu())
}

func (r *Router) showAllPatterns(ctx context.Context, scope string, to kit.ChatTarget) {
	cfg, err := r.scopes.GetScope(ctx, scope)
	if err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	var b strings.Builder
	b.WriteString("📋 *Все паттерны*\n\n🔴 *Мажорные:*\n")
	writePatternList(&b, cfg.Ruleset.MajorPatterns)
	b.WriteString("\n🟡 *Минорные:*\n")
	writePatternList(&b, cfg.Ruleset.MinorPatterns)
	fmt.Fprintf(&b, "\n🎯 *Порог:* %d", cfg.Ruleset.MinorThreshold)
	r.reply(ctx, to, b.String(), nil)
}

func (r *Router) showStats(ctx context.Context, scope string, to kit.ChatTarget, editID int) {
	st, err := r.items.AggregateStats(ctx, scope)
	if err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	r.replyOrEdit(ctx, to, editID, dispatch.FormatStats(st), mainMenu())
}

func (r *Router) showDigestMenu(ctx context.Context, scope string, to kit.ChatTarget, editID int) {
	st, err := r.items.AggregateStats(ctx, scope)
	if err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	text := fmt.Sprintf("📰 *Дайджест*\n\n📊 Всего: %d\n• За сегодня: %d\n• За неделю: %d\n• За месяц: %d",
		st.Total, st.Today, st.Week, st.Month)
	r.replyOrEdit(ctx, to, editID, text, digestMenu())
}

func (r *Router) sendDigest(ctx context.Context, scope string, to kit.ChatTarget, w storage.Window) {
	report, err := r.disp.BuildDigest(ctx, scope, w)
	if err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	if err := r.disp.SendDigest(ctx, report); err != nil {
		r.log.Warn("digest send failed", logx.String("scope", scope), logx.Err(err))
	}
}

// ---- helpers ----

func (r *Router) setPending(userID int64, p pending) {
	r.mu.Lock()
	r.pendings[userID] = p
	r.mu.Unlock()
}

func (r *Router) clearPending(userID int64) {
	r.mu.Lock()
	delete(r.pendings, userID)
	r.mu.Unlock()
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string, markup any) {
	_, err := r.adapter.SendText(ctx, to, text,
		&kit.SendOptions{ParseMode: "Markdown", ReplyMarkupAdapter: markup})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", to.ChatID), logx.Err(err))
	}
}

func (r *Router) replyOrEdit(ctx context.Context, to kit.ChatTarget, editID int, text string, markup any) {
	if editID == 0 {
		r.reply(ctx, to, text, markup)
		return
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: editID}
	if err := r.adapter.EditText(ctx, ref, text,
		&kit.SendOptions{ParseMode: "Markdown", ReplyMarkupAdapter: markup}); err != nil {
		// Telegram rejects no-op edits; fall back to a fresh message.
		r.reply(ctx, to, text, markup)
	}
}

func (r *Router) replyErr(ctx context.Context, to kit.ChatTarget, err error) {
	r.log.Warn("command failed", logx.Err(err))
	r.reply(ctx, to, "⚠️ Внутренняя ошибка, попробуй позже", nil)
}

func writePatternList(b *strings.Builder, patterns []string) {
	if len(patterns) == 0 {
		b.WriteString("—\n")
		return
	}
	for i, p := range patterns {
		fmt.Fprintf(b, "%d. `%s`\n", i+1, p)
	}
}

func parseWindow(s string) storage.Window {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "week":
		return storage.WindowWeek
	case "month":
		return storage.WindowMonth
	case "all":
		return storage.WindowAll
	default:
		return storage.WindowToday
	}
}

func parseKind(s string) classify.Kind {
	if strings.EqualFold(strings.TrimSpace(s), "major") {
		return classify.KindMajor
	}
	return classify.KindMinor
}

func kindNameRU(k classify.Kind) string {
	if k == classify.KindMajor {
		return "мажорный"
	}
	return "минорный"
}

const startText = "🌟 *RSS коллектор*\n\n" +
	"Я собираю новости из RSS и фильтрую их по паттернам.\n" +
	"Дайджест запрашиваешь сам.\n\n" +
	"Выбери действие:"
