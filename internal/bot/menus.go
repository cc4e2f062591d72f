package bot

import tele "gopkg.in/telebot.v4"

// Menus are rebuilt per reply; telebot markup values are not reusable
// across messages once sent.

// btn builds a callback button with raw callback_data. We route all
// callbacks through a single handler, so the data must arrive unencoded.
func btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

func mainMenu() *tele.ReplyMarkup {
	mk := &tele.ReplyMarkup{}
	mk.Inline(
		mk.Row(btn("⚙️ Паттерны", "menu_patterns")),
		mk.Row(btn("📰 Дайджест", "digest_menu")),
		mk.Row(btn("📊 Статистика", "stats")),
	)
	return mk
}

func patternsMenu() *tele.ReplyMarkup {
	mk := &tele.ReplyMarkup{}
	mk.Inline(
		mk.Row(
			btn("➕ Минорный", "add_minor"),
			btn("➕ Мажорный", "add_major"),
		),
		mk.Row(
			btn("🗑 Удалить", "delete_menu"),
			btn("🎯 Порог", "set_threshold"),
		),
		mk.Row(btn("📋 Показать все", "show_all")),
		mk.Row(btn("◀️ Меню", "main_menu")),
	)
	return mk
}

func digestMenu() *tele.ReplyMarkup {
	mk := &tele.ReplyMarkup{}
	mk.Inline(
		mk.Row(
			btn("📅 Сегодня", "digest_today"),
			btn("📆 Неделя", "digest_week"),
		),
		mk.Row(
			btn("🗓 Месяц", "digest_month"),
			btn("📚 Все", "digest_all"),
		),
		mk.Row(btn("◀️ Меню", "main_menu")),
	)
	return mk
}

func deleteKindMenu() *tele.ReplyMarkup {
	mk := &tele.ReplyMarkup{}
	mk.Inline(
		mk.Row(
			btn("🔴 Мажорные", "delete_major"),
			btn("🟡 Минорные", "delete_minor"),
		),
		mk.Row(btn("◀️ Назад", "menu_patterns")),
	)
	return mk
}
