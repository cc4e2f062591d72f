package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"newsbot/internal/classify"
	"newsbot/internal/kit"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	if err := r.adapter.AnswerCallback(ctx, cb.ID, ""); err != nil {
		r.log.Debug("answer callback failed", logx.Err(err))
	}

	to := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	scope := r.scopeForCallback(cb)
	data := strings.TrimSpace(cb.Data)

	switch {
	case data == "main_menu":
		r.replyOrEdit(ctx, to, cb.MessageID, startText, mainMenu())
	case data == "menu_patterns":
		r.showPatterns(ctx, scope, to, cb.MessageID)
	case data == "show_all":
		r.showAllPatterns(ctx, scope, to)
	case data == "stats":
		r.showStats(ctx, scope, to, cb.MessageID)
	case data == "digest_menu":
		r.showDigestMenu(ctx, scope, to, cb.MessageID)
	case strings.HasPrefix(data, "digest_"):
		r.sendDigest(ctx, scope, to, parseWindow(strings.TrimPrefix(data, "digest_")))
	case data == "add_minor" || data == "add_major":
		r.startAddFlow(ctx, cb, scope, to, data)
	case data == "set_threshold":
		r.setPending(cb.FromID, pending{kind: "set_threshold", scope: scope})
		r.reply(ctx, to, "🎯 Отправь новое число (>=1):\n❌ /cancel", nil)
	case data == "delete_menu":
		r.replyOrEdit(ctx, to, cb.MessageID, "🗑 Какой список?", deleteKindMenu())
	case data == "delete_major":
		r.showDeleteList(ctx, scope, to, cb.MessageID, classify.KindMajor)
	case data == "delete_minor":
		r.showDeleteList(ctx, scope, to, cb.MessageID, classify.KindMinor)
	case strings.HasPrefix(data, "del_major_"):
		r.deleteByCallback(ctx, cb, scope, to, classify.KindMajor, strings.TrimPrefix(data, "del_major_"))
	case strings.HasPrefix(data, "del_minor_"):
		r.deleteByCallback(ctx, cb, scope, to, classify.KindMinor, strings.TrimPrefix(data, "del_minor_"))
	}
}

func (r *Router) scopeForCallback(cb *kit.Callback) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb.ChatID == r.notifyChat || r.isOwnerLocked(cb.FromID) {
		return storage.GlobalScope
	}
	return strconv.FormatInt(cb.ChatID, 10)
}

func (r *Router) startAddFlow(ctx context.Context, cb *kit.Callback, scope string, to kit.ChatTarget, data string) {
	if !r.mayMutate(scope, cb.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	kind := classify.KindMinor
	if data == "add_major" {
		kind = classify.KindMajor
	}
	r.setPending(cb.FromID, pending{kind: data, scope: scope})
	r.reply(ctx, to, fmt.Sprintf("➕ Добавление паттерна (%s)\nОтправь регулярное выражение.\n❌ /cancel", kindNameRU(kind)), nil)
}

func (r *Router) showDeleteList(ctx context.Context, scope string, to kit.ChatTarget, editID int, kind classify.Kind) {
	cfg, err := r.scopes.GetScope(ctx, scope)
	if err != nil {
		r.replyErr(ctx, to, err)
		return
	}
	patterns := cfg.Ruleset.MinorPatterns
	prefix := "del_minor_"
	if kind == classify.KindMajor {
		patterns = cfg.Ruleset.MajorPatterns
		prefix = "del_major_"
	}
	if len(patterns) == 0 {
		r.replyOrEdit(ctx, to, editID, "📭 Список пуст", patternsMenu())
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗑 *Удаление (%s)* — выбери номер:\n\n", kindNameRU(kind))
	writePatternList(&b, patterns)

	mk := &tele.ReplyMarkup{}
	var rows []tele.Row
	var row tele.Row
	for i := range patterns {
		row = append(row, btn(strconv.Itoa(i+1), prefix+strconv.Itoa(i)))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, mk.Row(btn("◀️ Назад", "menu_patterns")))
	mk.Inline(rows...)

	r.replyOrEdit(ctx, to, editID, b.String(), mk)
}

func (r *Router) deleteByCallback(ctx context.Context, cb *kit.Callback, scope string, to kit.ChatTarget, kind classify.Kind, rawIdx string) {
	if !r.mayMutate(scope, cb.FromID) {
		r.reply(ctx, to, "🚫 Недостаточно прав", nil)
		return
	}
	idx, err := strconv.Atoi(rawIdx)
	if err != nil {
		return
	}
	removed, err := r.scopes.RemovePattern(ctx, scope, kind, idx)
	if err != nil {
		r.replyOrEdit(ctx, to, cb.MessageID, "❌ Паттерн не найден", patternsMenu())
		return
	}
	r.replyOrEdit(ctx, to, cb.MessageID, fmt.Sprintf("✅ Удалён: `%s`", removed), patternsMenu())
}
