package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"heraldbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes every read-check-write sequence, which
	// is what keeps MarkTriggered and Delete atomic relative to each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, a Announcement) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements(user_id, bridge_name, content, channel_id, trigger_at, triggered, created_at)
		 VALUES(?,?,?,?,?,0,?)`,
		a.Author.UserID, nullStr(a.Author.BridgeName), a.Content, a.Channel,
		a.TriggerAt.UnixMilli(), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create id: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Announcement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, bridge_name, content, channel_id, trigger_at, triggered, created_at
		 FROM announcements WHERE id = ?`, id)
	a, err := scanAnnouncement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Announcement{}, ErrNotFound
	}
	if err != nil {
		return Announcement{}, fmt.Errorf("store: get: %w", err)
	}
	return a, nil
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]Announcement, error) {
	return s.queryAnnouncements(ctx,
		`SELECT id, user_id, bridge_name, content, channel_id, trigger_at, triggered, created_at
		 FROM announcements WHERE triggered = 0 AND trigger_at <= ? ORDER BY id ASC`,
		now.UnixMilli())
}

func (s *sqliteStore) Pending(ctx context.Context, now time.Time) ([]Announcement, error) {
	return s.queryAnnouncements(ctx,
		`SELECT id, user_id, bridge_name, content, channel_id, trigger_at, triggered, created_at
		 FROM announcements WHERE triggered = 0 AND trigger_at >= ? ORDER BY id ASC`,
		now.UnixMilli())
}

func (s *sqliteStore) queryAnnouncements(ctx context.Context, q string, args ...any) ([]Announcement, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

// MarkTriggered is a conditional update: zero rows affected means the
// record was cancelled (or already delivered) since the due-scan, and the
// caller must skip delivery.
func (s *sqliteStore) MarkTriggered(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET triggered = 1 WHERE id = ? AND triggered = 0`, id)
	if err != nil {
		return false, fmt.Errorf("store: mark triggered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark triggered rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) AppendContent(ctx context.Context, id int64, suffix string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET content = content || ? WHERE id = ?`, suffix, id)
	if err != nil {
		return fmt.Errorf("store: append content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: append content rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) (bool, error) {
	// triggered records are never deleted; cancel is only valid pre-delivery.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM announcements WHERE id = ? AND triggered = 0`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// at is unix milliseconds, same encoding as the announcements table,
	// so the prune cutoff compares numerically.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, ann_id, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.ActorID, e.Action, e.AnnouncementID, e.OK, nullStr(e.Error), e.TookMS,
	)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune audit rows: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnouncement(r rowScanner) (Announcement, error) {
	var (
		a         Announcement
		bridge    sql.NullString
		trigger   int64
		created   int64
		triggered int
	)
	if err := r.Scan(&a.ID, &a.Author.UserID, &bridge, &a.Content, &a.Channel, &trigger, &triggered, &created); err != nil {
		return Announcement{}, err
	}
	if bridge.Valid {
		a.Author.BridgeName = bridge.String
		a.Author.UserID = 0
	}
	a.TriggerAt = time.UnixMilli(trigger)
	a.CreatedAt = time.UnixMilli(created)
	a.Triggered = triggered != 0
	return a, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
