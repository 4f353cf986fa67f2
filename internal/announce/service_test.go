package announce

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/msgkit"
)

type sentMsg struct {
	Ref    transport.MessageRef
	Text   string
	Opt    transport.SendOptions
	Markup *tele.ReplyMarkup
}

// fakeMessenger records traffic; no network.
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []sentMsg
	deleted  []transport.MessageRef
	answers  []string
	identity *transport.Identity
}

func (f *fakeMessenger) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeMessenger) Stop(ctx context.Context) error                              { return nil }

func (f *fakeMessenger) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}
	m := sentMsg{Ref: ref, Text: text}
	if opt != nil {
		m.Opt = *opt
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			m.Markup = rm
		}
	}
	f.sent = append(f.sent, m)
	return ref, nil
}

func (f *fakeMessenger) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	return nil
}

func (f *fakeMessenger) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeMessenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) EnsureIdentity(ctx context.Context, to transport.ChatTarget, name string) (*transport.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identity != nil {
		return f.identity, nil
	}
	return nil, nil // permission denied; callers must tolerate
}

func (f *fakeMessenger) snapshot() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeMessenger) deletedRefs() []transport.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.MessageRef(nil), f.deleted...)
}

// promptToken polls for the confirm prompt and returns its callback token.
func promptToken(t *testing.T, f *fakeMessenger) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.snapshot() {
			if m.Markup == nil || len(m.Markup.InlineKeyboard) == 0 {
				continue
			}
			_, _, token := msgkit.ParseData(m.Markup.InlineKeyboard[0][0].Data)
			if token != "" {
				return token
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no confirm prompt appeared")
	return ""
}

func newTestService(t *testing.T, cfg Config) (*Service, *storage.Memory, *fakeMessenger) {
	t.Helper()
	st := storage.NewMemory()
	fm := &fakeMessenger{}
	svc := New(st, fm, logx.Nop(), cfg)
	return svc, st, fm
}

func press(svc *Service, token, action string, from int64) error {
	return svc.HandleCallback(context.Background(), transport.Callback{
		ID:     "cb1",
		FromID: from,
		ChatID: 10,
		Data:   msgkit.Data("ann", action, token),
	})
}

func addReq(content string, trigger time.Time) AddRequest {
	return AddRequest{
		Requester:     7,
		RequesterName: "ops",
		Origin:        transport.ChatTarget{ChatID: 10},
		Target:        -100555,
		TriggerAt:     trigger,
		Content:       content,
		Author:        storage.InternalAuthor(7),
	}
}

func TestAddConfirmedPersists(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{ConfirmTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Add(context.Background(), addReq("Hello\nWorld", time.Now().Add(time.Hour))) }()

	token := promptToken(t, fm)
	if err := press(svc, token, "ok", 7); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("add: %v", err)
	}

	pending, err := st.Pending(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("records = %d, want 1", len(pending))
	}
	if pending[0].Content != "Hello\nWorld" || pending[0].Channel != -100555 || pending[0].Triggered {
		t.Fatalf("record = %+v", pending[0])
	}

	var sawScheduled bool
	for _, m := range fm.snapshot() {
		if strings.Contains(m.Text, "scheduled for") {
			sawScheduled = true
		}
	}
	if !sawScheduled {
		t.Fatalf("no scheduling confirmation sent")
	}
	// header + body + footer + prompt all removed after confirm
	if got := len(fm.deletedRefs()); got != 4 {
		t.Fatalf("deleted = %d messages, want 4", got)
	}
}

func TestAddPastTimeRejected(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{})
	err := svc.Add(context.Background(), addReq("x", time.Now().Add(-time.Minute)))
	if !errors.Is(err, ErrPastTime) {
		t.Fatalf("err = %v, want ErrPastTime", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now().Add(-time.Hour)); len(pending) != 0 {
		t.Fatalf("record persisted on past time")
	}
	if msgs := fm.snapshot(); len(msgs) != 1 || !strings.Contains(msgs[0].Text, "past") {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestAddEmptyContentRejected(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{})
	err := svc.Add(context.Background(), addReq("   ", time.Now().Add(time.Hour)))
	if !errors.Is(err, ErrBadInput) {
		t.Fatalf("err = %v, want ErrBadInput", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now()); len(pending) != 0 {
		t.Fatalf("record persisted on empty content")
	}
}

func TestAddCancelled(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{ConfirmTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Add(context.Background(), addReq("x", time.Now().Add(time.Hour))) }()

	token := promptToken(t, fm)
	if err := press(svc, token, "cancel", 7); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("add: %v", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now()); len(pending) != 0 {
		t.Fatalf("record persisted on cancel")
	}

	var sawCancelled bool
	for _, m := range fm.snapshot() {
		if strings.Contains(m.Text, "cancelled") {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatalf("no cancellation notice sent")
	}
}

func TestAddEditRequestsResubmit(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{ConfirmTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Add(context.Background(), addReq("x", time.Now().Add(time.Hour))) }()

	token := promptToken(t, fm)
	if err := press(svc, token, "edit", 7); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrResubmit) {
		t.Fatalf("err = %v, want ErrResubmit", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now()); len(pending) != 0 {
		t.Fatalf("record persisted on edit")
	}
}

func TestAddTimesOut(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{ConfirmTimeout: 60 * time.Millisecond})

	err := svc.Add(context.Background(), addReq("x", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now()); len(pending) != 0 {
		t.Fatalf("record persisted on timeout")
	}

	var sawTimeout bool
	for _, m := range fm.snapshot() {
		if strings.Contains(m.Text, "Timeout") {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatalf("no timeout notice sent")
	}
	// header + body + footer + prompt removed
	if got := len(fm.deletedRefs()); got != 4 {
		t.Fatalf("deleted = %d messages, want 4", got)
	}
}

// instantPressMessenger presses confirm the moment a prompt is delivered,
// before SendText has even returned to the workflow.
type instantPressMessenger struct {
	fakeMessenger
	svc  *Service
	from int64
}

func (f *instantPressMessenger) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	ref, err := f.fakeMessenger.SendText(ctx, to, text, opt)
	if err != nil || opt == nil {
		return ref, err
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && len(rm.InlineKeyboard) > 0 {
		_, _, token := msgkit.ParseData(rm.InlineKeyboard[0][0].Data)
		_ = f.svc.HandleCallback(ctx, transport.Callback{
			ID: "cb1", FromID: f.from, ChatID: to.ChatID,
			Data: msgkit.Data("ann", "ok", token),
		})
	}
	return ref, err
}

func TestCallbackAtPromptDeliveryResolvesFlow(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	fm := &instantPressMessenger{from: 7}
	svc := New(st, fm, logx.Nop(), Config{ConfirmTimeout: 5 * time.Second})
	fm.svc = svc

	if err := svc.Add(context.Background(), addReq("hi", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("add: %v", err)
	}
	pending, err := st.Pending(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("records = %d, want 1", len(pending))
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, a := range fm.answers {
		if strings.Contains(a, "expired") {
			t.Fatalf("live menu answered as expired")
		}
	}
}

func TestCallbackFromOtherUserIgnored(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{ConfirmTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Add(context.Background(), addReq("x", time.Now().Add(time.Hour))) }()

	token := promptToken(t, fm)
	// stranger presses confirm; flow must stay open
	if err := press(svc, token, "ok", 999); err != nil {
		t.Fatalf("stranger callback: %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("flow resolved by stranger: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := press(svc, token, "cancel", 7); err != nil {
		t.Fatalf("requester callback: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("add: %v", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now()); len(pending) != 0 {
		t.Fatalf("record persisted")
	}
}

func TestExpiredCallbackAnswered(t *testing.T) {
	t.Parallel()
	svc, _, fm := newTestService(t, Config{})
	if err := press(svc, "nosuchtoken", "ok", 7); err != nil {
		t.Fatalf("callback: %v", err)
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.answers) != 1 || !strings.Contains(fm.answers[0], "expired") {
		t.Fatalf("answers = %q", fm.answers)
	}
}

func TestPreviewNeverPersists(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{ConfirmTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Preview(context.Background(), PreviewRequest{
			Requester: 7, RequesterName: "ops",
			Origin:  transport.ChatTarget{ChatID: 10},
			Content: "draft body",
		})
	}()

	token := promptToken(t, fm)
	if err := press(svc, token, "ok", 7); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pending, _ := st.Pending(context.Background(), time.Now().Add(-time.Hour)); len(pending) != 0 {
		t.Fatalf("preview persisted a record")
	}

	var sawHint bool
	for _, m := range fm.snapshot() {
		if strings.Contains(m.Text, "Preview complete") {
			sawHint = true
		}
	}
	if !sawHint {
		t.Fatalf("no completion hint sent")
	}
}

func TestListPending(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{})
	now := time.Now()

	if _, err := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "first line\nsecond line",
		Channel: 1, TriggerAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create(context.Background(), storage.Announcement{
		Author: storage.BridgeAuthor("irc_bob"), Content: "relayed",
		Channel: 2, TriggerAt: now.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.List(context.Background(), transport.ChatTarget{ChatID: 10}); err != nil {
		t.Fatalf("list: %v", err)
	}

	msgs := fm.snapshot()
	if len(msgs) == 0 {
		t.Fatalf("nothing sent")
	}
	all := strings.Join(func() []string {
		var out []string
		for _, m := range msgs {
			if m.Opt.Mentions != transport.MentionsSuppress {
				t.Fatalf("listing must suppress mentions: %+v", m.Opt)
			}
			out = append(out, m.Text)
		}
		return out
	}(), "\n")

	if !strings.Contains(all, "Pending Announcements:") {
		t.Fatalf("missing header: %q", all)
	}
	if !strings.Contains(all, "first line") || strings.Contains(all, "second line") {
		t.Fatalf("rows must carry only the first content line: %q", all)
	}
	if !strings.Contains(all, "irc_bob") {
		t.Fatalf("bridge author missing: %q", all)
	}
	if strings.Index(all, "1:") > strings.Index(all, "2:") {
		t.Fatalf("rows out of id order: %q", all)
	}
}

func TestListEmpty(t *testing.T) {
	t.Parallel()
	svc, _, fm := newTestService(t, Config{})
	if err := svc.List(context.Background(), transport.ChatTarget{ChatID: 10}); err != nil {
		t.Fatalf("list: %v", err)
	}
	msgs := fm.snapshot()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "No pending") {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{})
	now := time.Now()
	origin := transport.ChatTarget{ChatID: 10}

	if err := svc.Cancel(context.Background(), origin, 7, 12345); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cancel missing = %v, want ErrNotFound", err)
	}

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "x", Channel: 1, TriggerAt: now.Add(time.Hour),
	})
	if err := svc.Cancel(context.Background(), origin, 7, id); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if _, err := st.Get(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record survived cancel: %v", err)
	}

	id2, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "y", Channel: 1, TriggerAt: now.Add(-time.Hour),
	})
	if ok, _ := st.MarkTriggered(context.Background(), id2); !ok {
		t.Fatalf("mark failed")
	}
	if err := svc.Cancel(context.Background(), origin, 7, id2); err != nil {
		t.Fatalf("cancel triggered: %v", err)
	}
	if _, err := st.Get(context.Background(), id2); err != nil {
		t.Fatalf("triggered record deleted: %v", err)
	}

	var sawDelivered bool
	for _, m := range fm.snapshot() {
		if strings.Contains(m.Text, "already delivered") {
			sawDelivered = true
		}
	}
	if !sawDelivered {
		t.Fatalf("no already-delivered notice")
	}
}

func TestMentionAppends(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{})
	origin := transport.ChatTarget{ChatID: 10}

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "original body",
		Channel: 1, TriggerAt: time.Now().Add(time.Hour),
	})
	if err := svc.Mention(context.Background(), origin, 7, id, []string{"@ops", "@eng"}); err != nil {
		t.Fatalf("mention: %v", err)
	}
	got, _ := st.Get(context.Background(), id)
	if !strings.HasPrefix(got.Content, "original body") {
		t.Fatalf("original content not a prefix: %q", got.Content)
	}
	if got.Content != "original body\n@ops @eng" {
		t.Fatalf("content = %q", got.Content)
	}

	if err := svc.Mention(context.Background(), origin, 7, id+999, []string{"@x"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mention missing = %v, want ErrNotFound", err)
	}
	if err := svc.Mention(context.Background(), origin, 7, id, nil); !errors.Is(err, ErrBadInput) {
		t.Fatalf("mention empty = %v, want ErrBadInput", err)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	svc, st, fm := newTestService(t, Config{})
	origin := transport.ChatTarget{ChatID: 10}

	if err := svc.Check(context.Background(), origin, "ops", 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("check missing = %v, want ErrNotFound", err)
	}

	id, _ := st.Create(context.Background(), storage.Announcement{
		Author: storage.InternalAuthor(7), Content: "raw <source>",
		Channel: 1, TriggerAt: time.Now().Add(time.Hour),
	})
	if err := svc.Check(context.Background(), origin, "ops", id); err != nil {
		t.Fatalf("check: %v", err)
	}

	var sawSource, sawPreview bool
	for _, m := range fm.snapshot() {
		if strings.Contains(m.Text, "Message Source:") {
			sawSource = true
		}
		if strings.Contains(m.Text, "Announcement Preview:") {
			sawPreview = true
		}
	}
	if !sawSource || !sawPreview {
		t.Fatalf("source=%v preview=%v", sawSource, sawPreview)
	}
}
