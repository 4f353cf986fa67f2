// Package scheduler delivers due announcements. It polls the store on a
// fixed interval and hands each due record to the messenger exactly once.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/msgkit"
)

type Config struct {
	// SearchInterval is the poll cadence. It bounds worst-case delivery
	// latency: a due record waits at most one interval.
	SearchInterval time.Duration

	// Impersonate attributes deliveries to the scheduling user instead
	// of the fixed IdentityName.
	Impersonate  bool
	IdentityName string

	MessageLimit int
}

func (c *Config) setDefaults() {
	if c.SearchInterval <= 0 {
		c.SearchInterval = 30 * time.Second
	}
}

// Service is the delivery loop. Start runs it until Stop.
type Service struct {
	store storage.Store
	msgr  transport.Messenger
	log   logx.Logger

	mu  sync.Mutex
	cfg Config

	startMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}

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
		now:   time.Now,
	}
}

// Apply installs new tuning. The running loop picks the interval up on
// its next cycle.
func (s *Service) Apply(cfg Config) {
	cfg.setDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.startMu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.startMu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	s.log.Info("delivery loop started", logx.Duration("interval", s.interval()))
	for {
		s.RunOnce(ctx)

		timer := time.NewTimer(s.interval())
		select {
		case <-stopCh:
			timer.Stop()
			s.log.Info("delivery loop stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("delivery loop stopped")
			return
		case <-timer.C:
		}
	}
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SearchInterval
}

// RunOnce performs a single scan-and-deliver cycle. Each due record is
// marked triggered before its send; a record whose mark fails (already
// delivered, or cancelled since the scan) is skipped. Send failures are
// logged only, never retried.
func (s *Service) RunOnce(ctx context.Context) {
	now := s.now()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.log.Error("due scan failed", logx.Err(err))
		return
	}

	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return
		}
		s.deliver(ctx, a)
	}
}

func (s *Service) deliver(ctx context.Context, a storage.Announcement) {
	started := s.now()
	chat := transport.ChatTarget{ChatID: a.Channel}

	ident := s.deliveryIdentity(ctx, chat, a)

	ok, err := s.store.MarkTriggered(ctx, a.ID)
	if err != nil {
		s.log.Error("mark triggered failed", logx.Int64("id", a.ID), logx.Err(err))
		return
	}
	if !ok {
		// cancelled (or already delivered) between the scan and now
		s.log.Debug("skipping delivery; record gone or already triggered", logx.Int64("id", a.ID))
		return
	}

	var sendErr error
	s.mu.Lock()
	limit := s.cfg.MessageLimit
	s.mu.Unlock()
	if limit <= 0 {
		limit = msgkit.DefaultMessageLimit
	}
	for _, block := range msgkit.SplitLines(strings.Split(a.Content, "\n"), limit) {
		_, err := s.msgr.SendText(ctx, chat, msgkit.Esc(block).String(), &transport.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: true,
			Mentions:       transport.MentionsAllow,
			Identity:       ident,
		})
		if err != nil {
			// already marked triggered: log and move on rather than risk
			// a duplicate post on retry
			sendErr = err
			s.log.Error("delivery failed",
				logx.Int64("id", a.ID),
				logx.Int64("chat_id", a.Channel),
				logx.Err(err))
			break
		}
	}

	s.auditDelivery(ctx, a, started, sendErr)
	if sendErr == nil {
		s.log.Info("announcement delivered",
			logx.Int64("id", a.ID),
			logx.Int64("chat_id", a.Channel))
	}
}

// deliveryIdentity resolves the sender persona for a record. Any failure
// here degrades to a plain bot-authored send.
func (s *Service) deliveryIdentity(ctx context.Context, chat transport.ChatTarget, a storage.Announcement) *transport.Identity {
	s.mu.Lock()
	impersonate, fixed := s.cfg.Impersonate, s.cfg.IdentityName
	s.mu.Unlock()

	name := ""
	switch {
	case a.Author.IsBridge():
		name = a.Author.BridgeName
	case impersonate:
		if un, ok := s.msgr.(transport.UserNamer); ok {
			resolved, err := un.UserDisplayName(ctx, a.Author.UserID)
			if err != nil {
				s.log.Debug("author name lookup failed",
					logx.Int64("id", a.ID),
					logx.Int64("user_id", a.Author.UserID),
					logx.Err(err))
			}
			name = resolved
		}
		if name == "" {
			name = fixed
		}
	default:
		name = fixed
	}
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

func (s *Service) auditDelivery(ctx context.Context, a storage.Announcement, started time.Time, sendErr error) {
	e := storage.AuditEntry{
		At:             s.now(),
		Action:         "deliver",
		AnnouncementID: a.ID,
		OK:             sendErr == nil,
		TookMS:         s.now().Sub(started).Milliseconds(),
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}
