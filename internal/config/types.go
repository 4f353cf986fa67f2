package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Announce AnnounceConfig `json:"announce"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// ExecUserIDs lists the operators allowed to issue announcement
	// commands. An empty list locks everyone out.
	ExecUserIDs []int64 `json:"exec_user_ids"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// RatePerSec caps outbound API calls. 0 keeps the built-in default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// AuditRetention is how long audit rows are kept before the nightly
	// prune removes them. Go duration string; empty keeps the default.
	AuditRetention string `json:"audit_retention,omitempty"`

	// AuditPruneSpec is the cron spec for the prune job.
	AuditPruneSpec string `json:"audit_prune_spec,omitempty"`
}

// AnnounceConfig controls announcement behavior.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type AnnounceConfig struct {
	// SearchInterval is how often the scheduler scans for due
	// announcements. It also bounds delivery granularity.
	SearchInterval string `json:"search_interval,omitempty"`

	// Impersonate makes deliveries carry the scheduling user's display
	// identity instead of the bot's own.
	Impersonate bool `json:"impersonate"`

	// ConfirmTimeout bounds how long a confirmation menu stays live.
	ConfirmTimeout string `json:"confirm_timeout,omitempty"`

	// IdentityName overrides the displayed sender name when Impersonate
	// is off but a branded identity is still wanted. Empty disables it.
	IdentityName string `json:"identity_name,omitempty"`

	// MessageLimit caps a single outbound message; longer bodies are
	// split on entry boundaries. 0 keeps the transport default.
	MessageLimit int `json:"message_limit,omitempty"`

	// BridgeUserIDs lists relay-bot accounts whose messages carry a
	// prefixed external author name ("<name> message...").
	BridgeUserIDs []int64 `json:"bridge_user_ids,omitempty"`
}

// Defaults applied by the accessor methods below.
const (
	DefaultSearchInterval = 30 * time.Second
	DefaultConfirmTimeout = 300 * time.Second
	DefaultAuditRetention = 90 * 24 * time.Hour
	DefaultAuditPruneSpec = "15 3 * * *"
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if c.Telegram.RatePerSec < 0 {
		return errors.New("telegram.rate_per_sec must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.audit_retention", c.Storage.AuditRetention},
		{"announce.search_interval", c.Announce.SearchInterval},
		{"announce.confirm_timeout", c.Announce.ConfirmTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Announce.MessageLimit < 0 {
		return errors.New("announce.message_limit must be >= 0")
	}
	return nil
}

func (c *Config) SearchInterval() time.Duration {
	d, err := ParseDurationOrDefault("announce.search_interval", c.Announce.SearchInterval, DefaultSearchInterval)
	if err != nil {
		return DefaultSearchInterval
	}
	return d
}

func (c *Config) ConfirmTimeout() time.Duration {
	d, err := ParseDurationOrDefault("announce.confirm_timeout", c.Announce.ConfirmTimeout, DefaultConfirmTimeout)
	if err != nil {
		return DefaultConfirmTimeout
	}
	return d
}

func (c *Config) AuditRetention() time.Duration {
	d, err := ParseDurationOrDefault("storage.audit_retention", c.Storage.AuditRetention, DefaultAuditRetention)
	if err != nil {
		return DefaultAuditRetention
	}
	return d
}

func (c *Config) AuditPruneSpec() string {
	if s := strings.TrimSpace(c.Storage.AuditPruneSpec); s != "" {
		return s
	}
	return DefaultAuditPruneSpec
}

// IsExecUser reports whether id may issue announcement commands.
func (c *Config) IsExecUser(id int64) bool {
	for _, v := range c.Telegram.ExecUserIDs {
		if v == id {
			return true
		}
	}
	return false
}

// IsBridgeUser reports whether id is a relay bot whose messages embed
// an external author name.
func (c *Config) IsBridgeUser(id int64) bool {
	for _, v := range c.Announce.BridgeUserIDs {
		if v == id {
			return true
		}
	}
	return false
}
