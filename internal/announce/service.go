package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/msgkit"
)

// Config is the announcement service's runtime tuning. It is a value
// snapshot; Apply swaps it atomically on config reload.
type Config struct {
	Impersonate    bool
	SearchInterval time.Duration
	ConfirmTimeout time.Duration
	IdentityName   string
	MessageLimit   int
}

func (c *Config) setDefaults() {
	if c.SearchInterval <= 0 {
		c.SearchInterval = 30 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 300 * time.Second
	}
}

// Service orchestrates announcement commands. Delivery of due records
// is the scheduler's job; the service only mutates the store.
type Service struct {
	store storage.Store
	msgr  transport.Messenger
	log   logx.Logger

	mu    sync.Mutex
	cfg   Config
	flows map[string]*confirmFlow

	now func() time.Time
}

func New(store storage.Store, msgr transport.Messenger, log logx.Logger, cfg Config) *Service {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		msgr:  msgr,
		log:   log,
		cfg:   cfg,
		flows: map[string]*confirmFlow{},
		now:   time.Now,
	}
}

// Apply installs a new config snapshot. Live confirmation menus keep
// the timeout they started with.
func (s *Service) Apply(cfg Config) {
	cfg.setDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// AddRequest carries one "announce add" invocation.
type AddRequest struct {
	Requester     int64
	RequesterName string
	Origin        transport.ChatTarget // chat the command was issued in
	Target        int64                // destination channel id
	TriggerAt     time.Time
	Content       string
	Author        storage.Author
}

// Add validates the request, walks the requester through a preview and
// confirmation menu, and persists the announcement on confirm. Edit
// outcomes surface as ErrResubmit for the dispatcher to re-run.
func (s *Service) Add(ctx context.Context, req AddRequest) error {
	started := s.now()
	if strings.TrimSpace(req.Content) == "" || req.Target == 0 {
		s.reply(ctx, req.Origin, "Nothing to announce: give a destination chat and a message body.")
		return ErrBadInput
	}
	if !req.TriggerAt.After(s.now()) {
		s.reply(ctx, req.Origin, "That time is in the past.")
		return ErrPastTime
	}

	ident := s.previewIdentity(ctx, req.Origin, req.RequesterName)
	previews, err := s.renderPreview(ctx, req.Origin, req.Content, ident)
	if err != nil {
		s.deleteAll(ctx, previews)
		s.reply(ctx, req.Origin, "Something went wrong.")
		return fmt.Errorf("announce: preview: %w", err)
	}

	hint := fmt.Sprintf("/announce add %d %s %s",
		req.Target, req.TriggerAt.UTC().Format(time.RFC3339), msgkit.TruncRunes(req.Content, 128))
	outcome, err := s.confirm(ctx, req.Requester, req.Origin, previews, "schedule the announcement", hint)
	if err != nil {
		s.deleteAll(ctx, previews)
		return err
	}

	switch outcome {
	case Confirmed:
		id, err := s.store.Create(ctx, storage.Announcement{
			Author:    req.Author,
			Content:   req.Content,
			Channel:   req.Target,
			TriggerAt: req.TriggerAt,
		})
		s.deleteAll(ctx, previews)
		if err != nil {
			s.audit(ctx, req.Requester, "add", 0, started, err)
			s.reply(ctx, req.Origin, "Something went wrong.")
			return err
		}
		s.audit(ctx, req.Requester, "add", id, started, nil)

		s.mu.Lock()
		gran := granularity(s.cfg.SearchInterval)
		s.mu.Unlock()
		s.reply(ctx, req.Origin, fmt.Sprintf(
			"Announcement %d scheduled for %s. Delivery granularity is %s.",
			id, msgkit.Esc(timeDisplay(req.TriggerAt, s.now())), gran))
		return nil
	case EditRequested:
		return ErrResubmit
	case Cancelled:
		s.reply(ctx, req.Origin, "Announcement cancelled.")
		return nil
	default: // TimedOut; the workflow already posted the notice
		return nil
	}
}

// PreviewRequest carries one "announce preview" invocation.
type PreviewRequest struct {
	Requester     int64
	RequesterName string
	Origin        transport.ChatTarget
	Content       string
}

// Preview renders the body and runs the confirmation menu for display
// only. Nothing is ever persisted, whatever the outcome.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		s.reply(ctx, req.Origin, "Nothing to preview: give a message body.")
		return ErrBadInput
	}

	ident := s.previewIdentity(ctx, req.Origin, req.RequesterName)
	previews, err := s.renderPreview(ctx, req.Origin, req.Content, ident)
	if err != nil {
		s.deleteAll(ctx, previews)
		s.reply(ctx, req.Origin, "Something went wrong.")
		return fmt.Errorf("announce: preview: %w", err)
	}

	hint := "/announce preview " + msgkit.TruncRunes(req.Content, 128)
	outcome, err := s.confirm(ctx, req.Requester, req.Origin, previews, "finish the preview", hint)
	if err != nil {
		s.deleteAll(ctx, previews)
		return err
	}

	switch outcome {
	case Confirmed:
		s.deleteAll(ctx, previews)
		s.reply(ctx, req.Origin, "Preview complete. Schedule it with:\n"+
			msgkit.Pre("/announce add <chat_id> <time>\n"+req.Content).String())
		return nil
	case EditRequested:
		return ErrResubmit
	case Cancelled:
		s.reply(ctx, req.Origin, "Preview cancelled.")
		return nil
	default:
		return nil
	}
}

// List posts every pending announcement, id order, first line only.
func (s *Service) List(ctx context.Context, origin transport.ChatTarget) error {
	now := s.now()
	pending, err := s.store.Pending(ctx, now)
	if err != nil {
		s.reply(ctx, origin, "Something went wrong.")
		return fmt.Errorf("announce: list: %w", err)
	}
	if len(pending) == 0 {
		s.reply(ctx, origin, "No pending announcements.")
		return nil
	}

	entries := make([]string, 0, len(pending)+1)
	entries = append(entries, msgkit.B("Pending Announcements:").String())
	for _, a := range pending {
		entries = append(entries, listRow(a, now))
	}
	for _, block := range msgkit.SplitLines(entries, s.messageLimit()) {
		s.reply(ctx, origin, block)
	}
	return nil
}

// Cancel removes a pending announcement. Triggered records are kept;
// cancelling one is a reported no-op.
func (s *Service) Cancel(ctx context.Context, origin transport.ChatTarget, actor, id int64) error {
	started := s.now()
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		s.audit(ctx, actor, "cancel", id, started, err)
		s.reply(ctx, origin, "Something went wrong.")
		return fmt.Errorf("announce: cancel: %w", err)
	}
	if ok {
		s.audit(ctx, actor, "cancel", id, started, nil)
		s.reply(ctx, origin, "Announcement deleted.")
		return nil
	}

	if _, err := s.store.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
		s.reply(ctx, origin, "Announcement does not exist.")
		return storage.ErrNotFound
	}
	s.reply(ctx, origin, "Announcement was already delivered and cannot be cancelled.")
	return nil
}

// Check posts the raw source of an announcement followed by a rendered
// preview. The preview messages are left in place.
func (s *Service) Check(ctx context.Context, origin transport.ChatTarget, requesterName string, id int64) error {
	a, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.reply(ctx, origin, "Announcement does not exist.")
		return err
	}
	if err != nil {
		s.reply(ctx, origin, "Something went wrong.")
		return fmt.Errorf("announce: check: %w", err)
	}

	s.reply(ctx, origin, msgkit.B("Message Source:").String()+"\n"+msgkit.Pre(a.Content).String())

	ident := s.previewIdentity(ctx, origin, requesterName)
	if _, err := s.renderPreview(ctx, origin, a.Content, ident); err != nil {
		return fmt.Errorf("announce: check preview: %w", err)
	}
	return nil
}

// Mention appends mention tokens to an announcement body, space-joined
// on a fresh line. The one supported post-creation content mutation.
func (s *Service) Mention(ctx context.Context, origin transport.ChatTarget, actor, id int64, tokens []string) error {
	started := s.now()
	if len(tokens) == 0 {
		s.reply(ctx, origin, "Give at least one mention to add.")
		return ErrBadInput
	}
	if _, err := s.store.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
		s.reply(ctx, origin, "Announcement does not exist.")
		return err
	} else if err != nil {
		s.reply(ctx, origin, "Something went wrong.")
		return fmt.Errorf("announce: mention: %w", err)
	}

	suffix := "\n" + strings.Join(tokens, " ")
	if err := s.store.AppendContent(ctx, id, suffix); err != nil {
		s.audit(ctx, actor, "mention", id, started, err)
		s.reply(ctx, origin, "Something went wrong.")
		return fmt.Errorf("announce: mention: %w", err)
	}
	s.audit(ctx, actor, "mention", id, started, nil)
	s.reply(ctx, origin, fmt.Sprintf("Pings added for %s to announcement %d.",
		msgkit.Esc(strings.Join(tokens, ", ")), id))
	return nil
}

func (s *Service) reply(ctx context.Context, chat transport.ChatTarget, html string) {
	_, err := s.msgr.SendText(ctx, chat, html, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Mentions:       transport.MentionsSuppress,
	})
	if err != nil {
		s.log.Warn("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

func (s *Service) audit(ctx context.Context, actor int64, action string, id int64, started time.Time, opErr error) {
	e := storage.AuditEntry{
		At:             s.now(),
		ActorID:        actor,
		Action:         action,
		AnnouncementID: id,
		OK:             opErr == nil,
		TookMS:         s.now().Sub(started).Milliseconds(),
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
