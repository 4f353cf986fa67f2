package msgkit

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a new row (buttons) to the inline keyboard.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Markup returns the underlying reply markup.
func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data (not encoded).
// Use Data() to build "ns:action:payload" strings safely.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// ConfirmMarkup builds the three-choice confirm keyboard used before an
// announcement is committed. token identifies the pending workflow.
func ConfirmMarkup(ns, token string) *tele.ReplyMarkup {
	return NewInline().Row(
		Btn("✅ Confirm", Data(ns, "ok", token)),
		Btn("✏️ Edit", Data(ns, "edit", token)),
		Btn("❌ Cancel", Data(ns, "cancel", token)),
	).Markup()
}
