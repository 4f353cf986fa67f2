package announce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/msgkit"
)

// Outcome is the terminal state of a confirmation menu.
type Outcome int

const (
	Confirmed Outcome = iota
	EditRequested
	Cancelled
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case EditRequested:
		return "edit"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

const callbackNS = "ann"

// confirmFlow is one live confirmation menu. It carries no business
// meaning; the caller maps the terminal Outcome to its own action.
type confirmFlow struct {
	token     string
	requester int64
	chat      transport.ChatTarget
	prompt    transport.MessageRef
	previews  []transport.MessageRef

	once   sync.Once
	result chan Outcome
}

func (f *confirmFlow) resolve(o Outcome) {
	f.once.Do(func() { f.result <- o })
}

func newToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// confirm posts the choice prompt and blocks until the requester reacts,
// the timeout elapses, or ctx is cancelled (treated as timeout).
//
// Cleanup rules:
//   - the prompt is deleted on every terminal state
//   - previews are deleted on edit/cancel/timeout; on confirm they are
//     left in place for the caller to handle
//   - timeout additionally posts a notice with resumeHint
func (s *Service) confirm(ctx context.Context, requester int64, chat transport.ChatTarget, previews []transport.MessageRef, finalizeLabel, resumeHint string) (Outcome, error) {
	text := msgkit.B("Review the preview above:").String() +
		"\n  ✅ to " + msgkit.Esc(finalizeLabel).String() +
		"\n  ✏️ to edit (change the source message first)" +
		"\n  ❌ to cancel"

	flow := &confirmFlow{
		token:     newToken(),
		requester: requester,
		chat:      chat,
		previews:  previews,
		result:    make(chan Outcome, 1),
	}

	// Register before the prompt goes out: a press can arrive as soon as
	// the message hits the chat, and an unregistered token would be
	// answered as expired.
	s.mu.Lock()
	s.flows[flow.token] = flow
	timeout := s.cfg.ConfirmTimeout
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.flows, flow.token)
		s.mu.Unlock()
	}()

	prompt, err := s.msgr.SendText(ctx, chat, text, &transport.SendOptions{
		ParseMode:          "HTML",
		Mentions:           transport.MentionsSuppress,
		ReplyMarkupAdapter: msgkit.ConfirmMarkup(callbackNS, flow.token),
	})
	if err != nil {
		return TimedOut, fmt.Errorf("confirm prompt: %w", err)
	}
	flow.prompt = prompt

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out Outcome
	select {
	case out = <-flow.result:
	case <-timer.C:
		out = TimedOut
	case <-ctx.Done():
		out = TimedOut
	}

	if err := s.msgr.DeleteMessage(ctx, flow.prompt); err != nil {
		s.log.Debug("confirm prompt delete failed", logx.Err(err))
	}

	switch out {
	case Confirmed:
	case EditRequested, Cancelled:
		s.deleteAll(ctx, flow.previews)
	case TimedOut:
		s.deleteAll(ctx, flow.previews)
		s.reply(ctx, chat, msgkit.B("Timeout.").String()+" Restart with: "+msgkit.Code(resumeHint).String())
	}
	return out, nil
}

// HandleCallback routes a button press to its live confirmation menu.
// Presses from anyone but the requester are acknowledged and ignored.
func (s *Service) HandleCallback(ctx context.Context, cb transport.Callback) error {
	ns, action, token := msgkit.ParseData(cb.Data)
	if ns != callbackNS {
		return nil
	}

	s.mu.Lock()
	flow := s.flows[token]
	s.mu.Unlock()

	if flow == nil {
		return s.msgr.AnswerCallback(ctx, cb.ID, "This menu has expired.")
	}
	if cb.FromID != flow.requester {
		return s.msgr.AnswerCallback(ctx, cb.ID, "Only the requester can use this menu.")
	}

	switch action {
	case "ok":
		flow.resolve(Confirmed)
	case "edit":
		flow.resolve(EditRequested)
	case "cancel":
		flow.resolve(Cancelled)
	default:
		return s.msgr.AnswerCallback(ctx, cb.ID, "Unknown action.")
	}
	return s.msgr.AnswerCallback(ctx, cb.ID, "")
}

func (s *Service) deleteAll(ctx context.Context, refs []transport.MessageRef) {
	for _, ref := range refs {
		if err := s.msgr.DeleteMessage(ctx, ref); err != nil {
			s.log.Debug("preview delete failed",
				logx.Int64("chat_id", ref.ChatID),
				logx.Int("message_id", ref.MessageID),
				logx.Err(err))
		}
	}
}
