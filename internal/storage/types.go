package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing announcement id.
var ErrNotFound = errors.New("announcement not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or empty): SQLite database file
//   - "memory": process-local, non-durable
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Author is a tagged union: exactly one of UserID or BridgeName is set.
// BridgeName carries the raw display name of a relayed external user that
// has no internal account.
type Author struct {
	UserID     int64
	BridgeName string
}

func InternalAuthor(userID int64) Author { return Author{UserID: userID} }
func BridgeAuthor(name string) Author    { return Author{BridgeName: name} }

func (a Author) IsBridge() bool { return a.BridgeName != "" }

// Announcement is the sole persistent entity.
//
// Invariants enforced by the Store:
//   - Triggered transitions false->true exactly once (MarkTriggered).
//   - TriggerAt is never mutated after creation.
//   - Delete succeeds only while Triggered is false.
type Announcement struct {
	ID        int64
	Author    Author
	Content   string
	Channel   int64 // destination channel id
	TriggerAt time.Time
	Triggered bool
	CreatedAt time.Time
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time
	ActorID        int64
	Action         string
	AnnouncementID int64
	OK             bool
	Error          string
	TookMS         int64
}

// Store is the persistence API used by the announcement service and the
// scheduler loop.
type Store interface {
	// Create persists a new announcement and returns its assigned id.
	Create(ctx context.Context, a Announcement) (int64, error)
	// Get returns the announcement or ErrNotFound.
	Get(ctx context.Context, id int64) (Announcement, error)
	// Due returns untriggered announcements with TriggerAt <= now.
	Due(ctx context.Context, now time.Time) ([]Announcement, error)
	// Pending returns untriggered announcements with TriggerAt >= now,
	// ordered by id ascending.
	Pending(ctx context.Context, now time.Time) ([]Announcement, error)
	// MarkTriggered flips triggered false->true. It reports false when the
	// record is gone or already triggered, which callers must treat as
	// "do not deliver". This is the cancel-vs-deliver race guard.
	MarkTriggered(ctx context.Context, id int64) (bool, error)
	// AppendContent appends suffix to the announcement body.
	AppendContent(ctx context.Context, id int64, suffix string) error
	// Delete removes an untriggered announcement. Reports false when no
	// untriggered record with that id exists.
	Delete(ctx context.Context, id int64) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit drops audit entries older than before.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
