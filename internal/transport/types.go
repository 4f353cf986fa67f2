package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	// Edited marks an edit to an earlier message rather than a new one.
	Edited bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// ChatTarget identifies a destination channel.
type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies a message we sent, for later edit/delete.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// MentionPolicy controls whether a message may ping users/roles.
// Previews and listings must never ping; final deliveries must.
type MentionPolicy int

const (
	MentionsSuppress MentionPolicy = iota
	MentionsAllow
)

// Identity is a named sender persona used to post announcements distinctly
// from the bot's own account (webhook-equivalent).
type Identity struct {
	Name      string
	AvatarURL string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Mentions       MentionPolicy
	// Identity, when set, asks the adapter to attribute the message to the
	// named persona. Adapters without real personas emulate it.
	Identity *Identity
	// ReplyMarkupAdapter is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkupAdapter any
}

// Messenger is the platform abstraction used by the announcement service
// and the scheduler loop.
type Messenger interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// EnsureIdentity finds or creates the named delivery identity for a
	// channel. A (nil, nil) return means the bot lacks permission to manage
	// identities there; callers must fall back to direct sends.
	EnsureIdentity(ctx context.Context, to ChatTarget, name string) (*Identity, error)
}

// UserNamer is an optional interface for adapters that can resolve a
// user's display name. Used for impersonated delivery identities.
type UserNamer interface {
	UserDisplayName(ctx context.Context, userID int64) (string, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters can implement to
// advertise the command set in platform menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
