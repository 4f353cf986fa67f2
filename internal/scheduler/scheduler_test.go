package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

type sentMsg struct {
	Chat int64
	Text string
	Opt  transport.SendOptions
}

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []sentMsg
	sendErr  error
	identity *transport.Identity
	names    map[int64]string
}

func (f *fakeMessenger) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeMessenger) Stop(ctx context.Context) error                              { return nil }

func (f *fakeMessenger) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.nextID++
	m := sentMsg{Chat: to.ChatID, Text: text}
	if opt != nil {
		m.Opt = *opt
	}
	f.sent = append(f.sent, m)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeMessenger) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	return nil
}
func (f *fakeMessenger) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	return nil
}
func (f *fakeMessenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeMessenger) EnsureIdentity(ctx context.Context, to transport.ChatTarget, name string) (*transport.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identity != nil {
		return &transport.Identity{Name: name}, nil
	}
	return nil, nil
}

func (f *fakeMessenger) UserDisplayName(ctx context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.names[userID]; ok {
		return name, nil
	}
	return "", errors.New("unknown user")
}

func (f *fakeMessenger) snapshot() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func newTestScheduler(cfg Config) (*Service, *storage.Memory, *fakeMessenger) {
	st := storage.NewMemory()
	fm := &fakeMessenger{}
	s := New(st, fm, logx.Nop(), cfg)
	return s, st, fm
}

func TestRunOnceDeliversDue(t *testing.T) {
	t.Parallel()
	s, st, fm := newTestScheduler(Config{})
	now := time.Now()
	s.now = func() time.Time { return now.Add(15 * time.Second) }

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "Hello",
		Channel: -100, TriggerAt: now.Add(10 * time.Second),
	})

	s.RunOnce(context.Background())

	sent := fm.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	if sent[0].Chat != -100 || !strings.Contains(sent[0].Text, "Hello") {
		t.Fatalf("sent = %+v", sent[0])
	}
	if sent[0].Opt.Mentions != transport.MentionsAllow {
		t.Fatalf("delivery must allow mentions: %+v", sent[0].Opt)
	}

	got, _ := st.Get(context.Background(), id)
	if !got.Triggered {
		t.Fatalf("record not marked triggered")
	}
}

func TestRepeatedScansAreIdempotent(t *testing.T) {
	t.Parallel()
	s, st, fm := newTestScheduler(Config{})
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _ = st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "once",
		Channel: 1, TriggerAt: now.Add(-time.Minute),
	})

	for i := 0; i < 3; i++ {
		s.RunOnce(context.Background())
	}
	if sent := fm.snapshot(); len(sent) != 1 {
		t.Fatalf("sent = %d messages, want exactly 1", len(sent))
	}
}

func TestFutureRecordsUntouched(t *testing.T) {
	t.Parallel()
	s, st, fm := newTestScheduler(Config{})
	now := time.Now()
	s.now = func() time.Time { return now }

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "later",
		Channel: 1, TriggerAt: now.Add(time.Hour),
	})
	s.RunOnce(context.Background())

	if sent := fm.snapshot(); len(sent) != 0 {
		t.Fatalf("future record delivered: %+v", sent)
	}
	got, _ := st.Get(context.Background(), id)
	if got.Triggered {
		t.Fatalf("future record marked triggered")
	}
}

func TestCancelBetweenScanAndMarkSkipsDelivery(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := time.Now()

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "raced",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})

	fm := &fakeMessenger{}
	s := New(&cancelOnScan{Memory: st, cancelID: id}, fm, logx.Nop(), Config{})
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())
	if sent := fm.snapshot(); len(sent) != 0 {
		t.Fatalf("cancelled record delivered: %+v", sent)
	}
}

// cancelOnScan deletes cancelID right after the due-scan returns it,
// simulating a cancel racing the delivery loop.
type cancelOnScan struct {
	*storage.Memory
	cancelID int64
	once     sync.Once
}

func (c *cancelOnScan) Due(ctx context.Context, now time.Time) ([]storage.Announcement, error) {
	due, err := c.Memory.Due(ctx, now)
	c.once.Do(func() { _, _ = c.Memory.Delete(ctx, c.cancelID) })
	return due, err
}

func TestSendFailureNotRetried(t *testing.T) {
	t.Parallel()
	s, st, fm := newTestScheduler(Config{})
	now := time.Now()
	s.now = func() time.Time { return now }

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "flaky",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})

	fm.mu.Lock()
	fm.sendErr = errors.New("network down")
	fm.mu.Unlock()
	s.RunOnce(context.Background())

	// failure happened after the mark, so later cycles must not retry
	got, _ := st.Get(context.Background(), id)
	if !got.Triggered {
		t.Fatalf("record not marked despite delivery attempt")
	}

	fm.mu.Lock()
	fm.sendErr = nil
	fm.mu.Unlock()
	s.RunOnce(context.Background())
	if sent := fm.snapshot(); len(sent) != 0 {
		t.Fatalf("failed delivery was retried: %+v", sent)
	}
}

func TestPerItemFailureDoesNotStopCycle(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := time.Now()

	bad, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "bad",
		Channel: 666, TriggerAt: now.Add(-2 * time.Second),
	})
	good, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "good",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})

	fm := &failChatMessenger{failChat: 666}
	s := New(st, fm, logx.Nop(), Config{})
	s.now = func() time.Time { return now }
	s.RunOnce(context.Background())

	sent := fm.snapshot()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "good") {
		t.Fatalf("sent = %+v, want only the good record", sent)
	}
	for _, id := range []int64{bad, good} {
		got, _ := st.Get(context.Background(), id)
		if !got.Triggered {
			t.Fatalf("record %d not marked", id)
		}
	}
}

type failChatMessenger struct {
	fakeMessenger
	failChat int64
}

func (f *failChatMessenger) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.ChatID == f.failChat {
		return transport.MessageRef{}, errors.New("chat unavailable")
	}
	return f.fakeMessenger.SendText(ctx, to, text, opt)
}

func TestImpersonatedDeliveryCarriesAuthorIdentity(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := time.Now()
	fm := &fakeMessenger{
		identity: &transport.Identity{},
		names:    map[int64]string{7: "Alice"},
	}
	s := New(st, fm, logx.Nop(), Config{Impersonate: true})
	s.now = func() time.Time { return now }

	_, _ = st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "hi",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})
	_, _ = st.Create(context.Background(), storage.Announcement{
		Author: storage.BridgeAuthor("irc_bob"), Content: "yo",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})

	s.RunOnce(context.Background())

	sent := fm.snapshot()
	if len(sent) != 2 {
		t.Fatalf("sent = %d messages, want 2", len(sent))
	}
	if sent[0].Opt.Identity == nil || sent[0].Opt.Identity.Name != "Alice" {
		t.Fatalf("internal author identity = %+v", sent[0].Opt.Identity)
	}
	if sent[1].Opt.Identity == nil || sent[1].Opt.Identity.Name != "irc_bob" {
		t.Fatalf("bridge author identity = %+v", sent[1].Opt.Identity)
	}
}

func TestIdentityDeniedFallsBackToDirectSend(t *testing.T) {
	t.Parallel()
	s, st, fm := newTestScheduler(Config{IdentityName: "Herald"})
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _ = st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "plain",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})
	s.RunOnce(context.Background())

	sent := fm.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	if sent[0].Opt.Identity != nil {
		t.Fatalf("identity should be nil when the transport denies it: %+v", sent[0].Opt.Identity)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, st, fm := newTestScheduler(Config{SearchInterval: 10 * time.Millisecond})
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _ = st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "loop",
		Channel: 1, TriggerAt: now.Add(-time.Second),
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fm.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(fm.snapshot()) != 1 {
		t.Fatalf("loop did not deliver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// second stop is a no-op
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
