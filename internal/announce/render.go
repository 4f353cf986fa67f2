package announce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/msgkit"
)

// renderBody posts the announcement body into chat, chunked on line
// boundaries, attributed to ident when the transport permits it.
// Previews always suppress mentions; delivery is handled elsewhere.
func (s *Service) renderBody(ctx context.Context, chat transport.ChatTarget, content string, ident *transport.Identity) ([]transport.MessageRef, error) {
	var refs []transport.MessageRef
	for _, block := range msgkit.SplitLines(strings.Split(content, "\n"), s.messageLimit()) {
		ref, err := s.msgr.SendText(ctx, chat, msgkit.Esc(block).String(), &transport.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: true,
			Mentions:       transport.MentionsSuppress,
			Identity:       ident,
		})
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// renderPreview wraps the body in the preview header/footer markers and
// returns every message posted, so the workflow can clean them up.
func (s *Service) renderPreview(ctx context.Context, chat transport.ChatTarget, content string, ident *transport.Identity) ([]transport.MessageRef, error) {
	var refs []transport.MessageRef
	send := func(text string) error {
		ref, err := s.msgr.SendText(ctx, chat, text, &transport.SendOptions{
			ParseMode: "HTML",
			Mentions:  transport.MentionsSuppress,
		})
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		return nil
	}

	if err := send(msgkit.B("Announcement Preview:").String()); err != nil {
		return refs, err
	}
	body, err := s.renderBody(ctx, chat, content, ident)
	refs = append(refs, body...)
	if err != nil {
		return refs, err
	}
	if err := send(msgkit.B("End of Announcement Preview").String()); err != nil {
		return refs, err
	}
	return refs, nil
}

// previewIdentity resolves the persona preview messages are attributed
// to. A nil return means plain bot-authored messages, which is fine.
func (s *Service) previewIdentity(ctx context.Context, chat transport.ChatTarget, requesterName string) *transport.Identity {
	name := s.identityName(requesterName)
	if name == "" {
		return nil
	}
	ident, err := s.msgr.EnsureIdentity(ctx, chat, name)
	if err != nil {
		s.log.Warn("identity lookup failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
		return nil
	}
	return ident
}

// identityName picks the displayed sender name per the impersonate
// setting. Empty means no named identity.
func (s *Service) identityName(requesterName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Impersonate && requesterName != "" {
		return requesterName
	}
	return s.cfg.IdentityName
}

func (s *Service) messageLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MessageLimit > 0 {
		return s.cfg.MessageLimit
	}
	return msgkit.DefaultMessageLimit
}

// authorDisplay renders an author for listings. Bridge authors keep
// their relayed display name; internal authors get a profile link.
func authorDisplay(a storage.Author) msgkit.H {
	if a.IsBridge() {
		return msgkit.Esc(a.BridgeName)
	}
	return msgkit.Mention(fmt.Sprintf("user %d", a.UserID), a.UserID)
}

// timeDisplay renders an absolute timestamp plus a humanized relative
// part, e.g. "2026-08-23 18:04 UTC (2 hours from now)".
func timeDisplay(t, now time.Time) string {
	abs := t.UTC().Format("2006-01-02 15:04 MST")
	rel := humanize.RelTime(now, t, "ago", "from now")
	return abs + " (" + rel + ")"
}

// granularity phrases a polling interval for the scheduling notice,
// e.g. "30 seconds" or "2 minutes".
func granularity(d time.Duration) string {
	return strings.TrimSpace(humanize.RelTime(time.Time{}, time.Time{}.Add(d), "", ""))
}

// listRow formats one pending announcement for the list view: the id
// line, then an indented first line of the body.
func listRow(a storage.Announcement, now time.Time) string {
	head := fmt.Sprintf("<b>%d: in chat %d at %s by %s</b>",
		a.ID, a.Channel, msgkit.Esc(timeDisplay(a.TriggerAt, now)), authorDisplay(a.Author))
	return head + "\n  " + msgkit.Esc(msgkit.FirstLine(a.Content)).String()
}
