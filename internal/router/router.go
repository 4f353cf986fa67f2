// Package router dispatches incoming transport updates to announcement
// commands, gating them on the operator allowlist.
package router

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"heraldbot/internal/announce"
	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

// maxResubmits bounds how many times an "edit" confirmation can loop a
// single command invocation.
const maxResubmits = 5

type Config struct {
	BotName       string
	ExecUserIDs   []int64
	BridgeUserIDs []int64
}

type Router struct {
	svc  *announce.Service
	msgr transport.Messenger
	log  logx.Logger

	mu  sync.Mutex
	cfg Config

	// lastCmd keeps the newest text of each requester's command message,
	// edits included, so an "edit" confirmation re-runs the updated text.
	lastMu  sync.Mutex
	lastCmd map[cmdKey]string

	wg sync.WaitGroup
}

type cmdKey struct {
	chat, user int64
}

func New(svc *announce.Service, msgr transport.Messenger, log logx.Logger, cfg Config) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		svc:     svc,
		msgr:    msgr,
		log:     log,
		cfg:     cfg,
		lastCmd: map[cmdKey]string{},
	}
}

func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Commands is the advertised command menu.
func Commands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "announce", Description: "Manage scheduled announcements"},
	}
}

// Dispatch consumes updates until the channel closes or ctx ends. Each
// command runs on its own goroutine because confirmation menus block
// until a button press arrives on this same channel.
func (r *Router) Dispatch(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case up, ok := <-updates:
			if !ok {
				r.wg.Wait()
				return
			}
			switch up.Kind {
			case transport.UpdateMessage:
				if up.Message != nil {
					r.onMessage(ctx, *up.Message)
				}
			case transport.UpdateCallback:
				if up.Callback != nil {
					cb := *up.Callback
					r.wg.Add(1)
					go func() {
						defer r.wg.Done()
						if err := r.svc.HandleCallback(ctx, cb); err != nil {
							r.log.Warn("callback handling failed", logx.Err(err))
						}
					}()
				}
			}
		}
	}
}

func (r *Router) onMessage(ctx context.Context, m transport.Message) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	if !contains(cfg.ExecUserIDs, m.FromID) {
		return
	}
	if _, ok := parseCommand(commandText(cfg, m), cfg.BotName); !ok {
		return
	}

	key := cmdKey{chat: m.ChatID, user: m.FromID}
	r.lastMu.Lock()
	r.lastCmd[key] = m.Text
	r.lastMu.Unlock()

	// Edits only refresh the cached text; the live confirmation menu
	// decides whether the command re-runs.
	if m.Edited {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		text := m.Text
		for attempt := 0; attempt <= maxResubmits; attempt++ {
			err := r.handle(ctx, m, text)
			if !errors.Is(err, announce.ErrResubmit) {
				if err != nil {
					r.log.Debug("command finished with error",
						logx.Int64("user_id", m.FromID),
						logx.Err(err))
				}
				return
			}
			r.lastMu.Lock()
			text = r.lastCmd[key]
			r.lastMu.Unlock()
		}
		r.reply(ctx, m.ChatID, "Too many edit rounds; start over.")
	}()
}

// commandText strips the bridge author prefix when the sender is a
// relay bot, so the command grammar sees the real command.
func commandText(cfg Config, m transport.Message) string {
	if !contains(cfg.BridgeUserIDs, m.FromID) {
		return m.Text
	}
	if _, body, ok := parseBridgePrefix(m.Text); ok {
		return body
	}
	return m.Text
}

func (r *Router) handle(ctx context.Context, m transport.Message, text string) error {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	author := storage.InternalAuthor(m.FromID)
	requesterName := m.FromUsername
	if contains(cfg.BridgeUserIDs, m.FromID) {
		if name, body, ok := parseBridgePrefix(text); ok {
			author = storage.BridgeAuthor(name)
			requesterName = name
			text = body
		}
	}

	cmd, ok := parseCommand(text, cfg.BotName)
	if !ok {
		return nil
	}
	origin := transport.ChatTarget{ChatID: m.ChatID}

	switch cmd.Sub {
	case "add":
		target, trigger, content, err := splitAddArgs(cmd.Args)
		if err != nil {
			r.reply(ctx, m.ChatID, "Usage: /announce add <chat_id> <time> <message>")
			return err
		}
		triggerAt, err := parseTrigger(trigger, time.Now())
		if err != nil {
			r.reply(ctx, m.ChatID, "Incorrect time format: "+err.Error())
			return err
		}
		return r.svc.Add(ctx, announce.AddRequest{
			Requester:     m.FromID,
			RequesterName: requesterName,
			Origin:        origin,
			Target:        target,
			TriggerAt:     triggerAt,
			Content:       content,
			Author:        author,
		})
	case "preview":
		return r.svc.Preview(ctx, announce.PreviewRequest{
			Requester:     m.FromID,
			RequesterName: requesterName,
			Origin:        origin,
			Content:       cmd.Args,
		})
	case "list":
		return r.svc.List(ctx, origin)
	case "cancel":
		id, err := parseID(cmd.Args)
		if err != nil {
			r.reply(ctx, m.ChatID, "Usage: /announce cancel <id>")
			return err
		}
		return r.svc.Cancel(ctx, origin, m.FromID, id)
	case "check":
		id, err := parseID(cmd.Args)
		if err != nil {
			r.reply(ctx, m.ChatID, "Usage: /announce check <id>")
			return err
		}
		return r.svc.Check(ctx, origin, requesterName, id)
	case "mention":
		fields := strings.Fields(cmd.Args)
		if len(fields) < 2 {
			r.reply(ctx, m.ChatID, "Usage: /announce mention <id> <mention...>")
			return announce.ErrBadInput
		}
		id, err := parseID(fields[0])
		if err != nil {
			r.reply(ctx, m.ChatID, "Usage: /announce mention <id> <mention...>")
			return err
		}
		return r.svc.Mention(ctx, origin, m.FromID, id, fields[1:])
	default:
		r.reply(ctx, m.ChatID, "Subcommand not found. Try add, preview, list, cancel, check or mention.")
		return nil
	}
}

// splitAddArgs splits "<chat_id> <time> <message...>" keeping newlines
// inside the message body.
func splitAddArgs(args string) (target int64, trigger, content string, err error) {
	first, rest, ok := cutToken(args)
	if !ok {
		return 0, "", "", errors.New("missing destination chat")
	}
	target, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, "", "", errors.New("destination chat must be a numeric id")
	}
	trigger, content, ok = cutToken(rest)
	if !ok {
		return 0, "", "", errors.New("missing trigger time")
	}
	content = strings.TrimLeft(content, " \t\n")
	if content == "" {
		return 0, "", "", errors.New("missing message body")
	}
	return target, trigger, content, nil
}

// cutToken splits off the first whitespace-delimited token, returning
// the remainder with leading space trimmed but inner layout intact.
func cutToken(s string) (token, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t\n")
	if s == "" {
		return "", "", false
	}
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, "", true
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	_, err := r.msgr.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, &transport.SendOptions{
		Mentions:       transport.MentionsSuppress,
		DisablePreview: true,
	})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
