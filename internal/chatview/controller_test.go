package chatview

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/presence"
)

type fakeFeed struct {
	ch   chan fanout.Event
	once sync.Once
}

func (f *fakeFeed) Events() <-chan fanout.Event { return f.ch }
func (f *fakeFeed) Close()                      { f.once.Do(func() { close(f.ch) }) }

// fakeBackend keeps an in-memory log and hands out one feed per topic.
type fakeBackend struct {
	mu        sync.Mutex
	log       []model.Message
	feeds     map[string]*fakeFeed
	nextID    int64
	appendErr error
	echo      bool
	calls     []string

	// appendGate, when set, holds Append until it is closed.
	appendGate    chan struct{}
	subscribes    int
	subscribeErrs int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{feeds: make(map[string]*fakeFeed), nextID: 100, echo: true}
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) Append(_ context.Context, v View, d model.Draft) (model.Message, error) {
	b.record("append")
	if b.appendGate != nil {
		<-b.appendGate
	}
	b.mu.Lock()
	if b.appendErr != nil {
		err := b.appendErr
		b.mu.Unlock()
		return model.Message{}, err
	}
	body, err := d.Body()
	if err != nil {
		b.mu.Unlock()
		return model.Message{}, apperr.Validation(err.Error())
	}
	b.nextID++
	m := model.Message{
		ID:           b.nextID,
		Conversation: v.Conversation,
		SenderID:     v.Principal.UserID,
		SenderName:   v.Principal.DisplayName,
		Body:         body,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	b.log = append(b.log, m)
	echo := b.echo
	b.mu.Unlock()
	if echo {
		b.push(v.Conversation.MessagesTopic(), fanout.KindMessageCreated, strconv.FormatInt(m.ID, 10), m)
	}
	return m, nil
}

func (b *fakeBackend) ReadRange(_ context.Context, _ View, after model.Cursor, limit int) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Message
	for _, m := range b.log {
		if after.Precedes(m) && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *fakeBackend) Subscribe(_ context.Context, _ View, topic string) (Feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	if b.subscribeErrs > 0 {
		b.subscribeErrs--
		return nil, ErrNotConnected
	}
	f := &fakeFeed{ch: make(chan fanout.Event, 16)}
	b.feeds[topic] = f
	return f, nil
}

func (b *fakeBackend) push(topic, kind, id string, payload any) {
	ev, err := fanout.NewEvent(topic, kind, id, payload)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	f := b.feeds[topic]
	b.mu.Unlock()
	if f == nil {
		return
	}
	defer func() { _ = recover() }() // feed closed by the controller
	f.ch <- ev
}

func (b *fakeBackend) Typing(context.Context, View) error     { b.record("typing"); return nil }
func (b *fakeBackend) StopTyping(context.Context, View) error { b.record("stop_typing"); return nil }
func (b *fakeBackend) BeginSend(context.Context, View) error  { b.record("begin_send"); return nil }
func (b *fakeBackend) EndSend(context.Context, View) error    { b.record("end_send"); return nil }

var (
	alice = model.Principal{UserID: "u-alice", DisplayName: "Alice", Role: model.RoleMember}
	bob   = model.Principal{UserID: "u-bob", DisplayName: "Bob", Role: model.RoleMember}
	study = model.ChannelConversation(model.ChannelStudy)
)

func openController(t *testing.T, be Backend, p model.Principal, opts ...Option) *Controller {
	t.Helper()
	c := New(View{Principal: p, Conversation: study}, be, opts...)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitWaitsForEcho(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice)

	c.Input(context.Background(), "hello")
	if c.State() != Composing {
		t.Fatalf("state = %v, want composing", c.State())
	}
	m, err := c.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if d := c.Draft(); d.Content != "" {
		t.Fatalf("draft not cleared: %+v", d)
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("messages = %+v", msgs)
	}

	calls := be.Calls()
	want := []string{"typing", "begin_send", "append", "end_send"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestDuplicateDeliveryShownOnce(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice)

	m := model.Message{ID: 7, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "hi"}, CreatedAt: time.Now().UTC()}
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, "7", m)
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, "7", m)
	waitFor(t, "message", func() bool { return len(c.Messages()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
}

func TestMessagesKeptInLogOrder(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice)

	base := time.Now().UTC().Truncate(time.Microsecond)
	late := model.Message{ID: 2, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "second"}, CreatedAt: base.Add(time.Second)}
	early := model.Message{ID: 1, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "first"}, CreatedAt: base}
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, "2", late)
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, "1", early)
	waitFor(t, "both messages", func() bool { return len(c.Messages()) == 2 })
	msgs := c.Messages()
	if msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Fatalf("order = %d,%d", msgs[0].ID, msgs[1].ID)
	}
}

func TestSubmitFailureRestoresDraft(t *testing.T) {
	be := newFakeBackend()
	be.appendErr = apperr.ErrStoreUnavailable
	c := openController(t, be, alice)

	ref := &model.MediaRef{URL: "/media/a.png", ContentType: "image/png"}
	c.AttachMedia(model.MessageTypeImage, ref)
	c.Input(context.Background(), "look")
	_, err := c.Submit(context.Background())
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	d := c.Draft()
	if d.Content != "look" || d.Media == nil || d.Media.URL != ref.URL || d.Type != model.MessageTypeImage {
		t.Fatalf("draft not restored: %+v", d)
	}
	if c.State() != Composing {
		t.Fatalf("state = %v, want composing", c.State())
	}
	if len(c.Messages()) != 0 {
		t.Fatal("failed send must not appear in the list")
	}
	calls := be.Calls()
	if calls[len(calls)-1] != "end_send" {
		t.Fatalf("sending not cleared: %v", calls)
	}
}

func TestSubmitInvalidDraftKeepsState(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice)

	_, err := c.Submit(context.Background())
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	for _, call := range be.Calls() {
		if call == "begin_send" || call == "append" {
			t.Fatalf("invalid draft reached backend: %v", be.Calls())
		}
	}
}

func TestSubmitWithoutEchoRereads(t *testing.T) {
	be := newFakeBackend()
	be.echo = false
	c := openController(t, be, alice, WithEchoWait(20*time.Millisecond))

	c.Input(context.Background(), "quiet")
	m, err := c.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("messages after reread = %+v", msgs)
	}
}

func TestEventsAfterCloseDropped(t *testing.T) {
	be := newFakeBackend()
	c := New(View{Principal: alice, Conversation: study}, be)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()

	m := model.Message{ID: 9, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "late"}, CreatedAt: time.Now().UTC()}
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, "9", m)
	c.handle(fanout.Event{ID: "9", Kind: fanout.KindMessageCreated})
	if len(c.Messages()) != 0 {
		t.Fatal("event applied after close")
	}
	if _, err := c.Submit(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: %v", err)
	}
}

func TestPresenceExcludesViewer(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice)

	room := study.Key()
	be.push(presence.TopicFor(room, model.PresenceTyping), fanout.KindPresenceSync, "", presence.Sync{
		Room: room,
		Kind: model.PresenceTyping,
		Records: []model.PresenceRecord{
			{UserID: alice.UserID, DisplayName: "Alice", Kind: model.PresenceTyping},
			{UserID: bob.UserID, DisplayName: "Bob", Kind: model.PresenceTyping},
		},
	})
	waitFor(t, "typing", func() bool { return len(c.Typing()) == 1 })
	if got := c.Typing()[0].UserID; got != bob.UserID {
		t.Fatalf("typing = %s", got)
	}
	if len(c.Sending()) != 0 {
		t.Fatal("sending should be empty")
	}
}

func TestInputThrottlesTyping(t *testing.T) {
	be := newFakeBackend()
	now := time.Now()
	c := openController(t, be, alice, WithClock(func() time.Time { return now }))

	c.Input(context.Background(), "h")
	c.Input(context.Background(), "he")
	c.Input(context.Background(), "hel")
	now = now.Add(1500 * time.Millisecond)
	c.Input(context.Background(), "hell")
	c.Input(context.Background(), "")

	var typing, stop int
	for _, call := range be.Calls() {
		switch call {
		case "typing":
			typing++
		case "stop_typing":
			stop++
		}
	}
	if typing != 2 || stop != 1 {
		t.Fatalf("typing=%d stop=%d calls=%v", typing, stop, be.Calls())
	}
	if c.State() != Idle {
		t.Fatalf("state = %v", c.State())
	}
}

func TestReactionUpdateReplacesGroups(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice)

	c.Input(context.Background(), "react to me")
	m, err := c.Submit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	be.push(study.ReactionsTopic(), fanout.KindReactionAdded, "", model.ReactionUpdate{
		MessageID:    m.ID,
		Conversation: study.Key(),
		UserID:       bob.UserID,
		Emoji:        "👍",
		Groups:       []model.ReactionGroup{{Emoji: "👍", Count: 1, Users: []string{bob.UserID}}},
	})
	waitFor(t, "reaction", func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && len(msgs[0].Reactions) == 1
	})
}

func (b *fakeBackend) feed(topic string) *fakeFeed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feeds[topic]
}

func (b *fakeBackend) subscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

// appendDurable writes straight to the log, as another client would, without any event.
func (b *fakeBackend) appendDurable(m model.Message) {
	b.mu.Lock()
	b.log = append(b.log, m)
	b.mu.Unlock()
}

func TestEndedFeedResubscribesAndRereads(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice, WithResubscribeBackoff(5*time.Millisecond, 20*time.Millisecond))
	before := be.subscribeCount()
	old := be.feed(study.MessagesTopic())

	// the server dropped this subscriber; a message lands while nobody listens
	old.Close()
	be.appendDurable(model.Message{ID: 101, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "missed"}, CreatedAt: time.Now().UTC().Truncate(time.Microsecond)})

	waitFor(t, "missed message after resubscribe", func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == 101
	})
	if be.subscribeCount() != before+1 {
		t.Fatalf("subscribes = %d, want %d", be.subscribeCount(), before+1)
	}
	if be.feed(study.MessagesTopic()) == old {
		t.Fatal("feed not replaced")
	}

	// the new feed is live
	m := model.Message{ID: 102, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "live"}, CreatedAt: time.Now().UTC().Add(time.Second)}
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, "102", m)
	waitFor(t, "event on new feed", func() bool { return len(c.Messages()) == 2 })
}

func TestResubscribeRetriesUntilBackendIsBack(t *testing.T) {
	be := newFakeBackend()
	c := openController(t, be, alice, WithResubscribeBackoff(5*time.Millisecond, 10*time.Millisecond))
	before := be.subscribeCount()

	be.mu.Lock()
	be.subscribeErrs = 3
	be.mu.Unlock()
	be.feed(study.ReactionsTopic()).Close()
	be.appendDurable(model.Message{ID: 300, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "after outage"}, CreatedAt: time.Now().UTC()})

	waitFor(t, "reread after retries", func() bool { return len(c.Messages()) == 1 })
	if got := be.subscribeCount() - before; got != 4 {
		t.Fatalf("subscribe attempts = %d, want 4", got)
	}
}

func TestCloseStopsResubscribing(t *testing.T) {
	be := newFakeBackend()
	c := New(View{Principal: alice, Conversation: study}, be, WithResubscribeBackoff(time.Hour, time.Hour))
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	be.mu.Lock()
	be.subscribeErrs = 1
	be.mu.Unlock()
	be.feed(study.MessagesTopic()).Close()
	waitFor(t, "failed attempt", func() bool { return be.subscribeCount() == 5 })

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the resubscribe backoff")
	}
}

func TestReconcileKeepsNewestWindow(t *testing.T) {
	be := newFakeBackend()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	const total = maxHistory + 200
	for i := 1; i <= total; i++ {
		be.log = append(be.log, model.Message{
			ID:           int64(i),
			Conversation: study,
			SenderID:     bob.UserID,
			Body:         model.TextBody{Content: "m" + strconv.Itoa(i)},
			CreatedAt:    base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	c := openController(t, be, alice)

	msgs := c.Messages()
	if len(msgs) != maxHistory {
		t.Fatalf("view holds %d messages, want %d", len(msgs), maxHistory)
	}
	if first, last := msgs[0].ID, msgs[len(msgs)-1].ID; first != total-maxHistory+1 || last != total {
		t.Fatalf("window = %d..%d, want %d..%d", first, last, total-maxHistory+1, total)
	}

	m := model.Message{ID: total + 1, Conversation: study, SenderID: bob.UserID, Body: model.TextBody{Content: "newest"}, CreatedAt: base.Add(time.Hour)}
	be.push(study.MessagesTopic(), fanout.KindMessageCreated, strconv.Itoa(total+1), m)
	waitFor(t, "newest event", func() bool {
		msgs := c.Messages()
		return msgs[len(msgs)-1].ID == total+1
	})
	if n := len(c.Messages()); n != maxHistory {
		t.Fatalf("view grew to %d", n)
	}
}

func TestPresenceMergedAcrossInstances(t *testing.T) {
	be := newFakeBackend()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := openController(t, be, alice, WithClock(clock))
	room := study.Key()
	topic := presence.TopicFor(room, model.PresenceTyping)
	carol := model.PresenceRecord{UserID: "u-carol", DisplayName: "Carol", Kind: model.PresenceTyping}
	bobRec := model.PresenceRecord{UserID: bob.UserID, DisplayName: "Bob", Kind: model.PresenceTyping}

	be.push(topic, fanout.KindPresenceSync, "", presence.Sync{Room: room, Kind: model.PresenceTyping, Origin: "node-1", Records: []model.PresenceRecord{bobRec}})
	be.push(topic, fanout.KindPresenceSync, "", presence.Sync{Room: room, Kind: model.PresenceTyping, Origin: "node-2", Records: []model.PresenceRecord{carol}})
	waitFor(t, "both typers", func() bool { return len(c.Typing()) == 2 })
	if got := c.Typing(); got[0].UserID != bob.UserID || got[1].UserID != "u-carol" {
		t.Fatalf("typing = %+v", got)
	}

	// node-1 reports Bob stopped; Carol on node-2 is untouched
	be.push(topic, fanout.KindPresenceSync, "", presence.Sync{Room: room, Kind: model.PresenceTyping, Origin: "node-1"})
	waitFor(t, "bob cleared", func() bool { return len(c.Typing()) == 1 })
	if got := c.Typing()[0].UserID; got != "u-carol" {
		t.Fatalf("typing = %s, want carol", got)
	}

	// a record with a deadline disappears even if its instance never reports again
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	dave := model.PresenceRecord{UserID: "u-dave", DisplayName: "Dave", Kind: model.PresenceTyping, ExpiresAt: at.Add(3 * time.Second)}
	be.push(topic, fanout.KindPresenceSync, "", presence.Sync{Room: room, Kind: model.PresenceTyping, Origin: "node-3", At: at, Records: []model.PresenceRecord{dave}})
	waitFor(t, "dave typing", func() bool { return len(c.Typing()) == 2 })
	mu.Lock()
	now = now.Add(3 * time.Second)
	mu.Unlock()
	if got := c.Typing(); len(got) != 1 || got[0].UserID != "u-carol" {
		t.Fatalf("expired record still shown: %+v", got)
	}
}

func TestInputDuringSendIsNextDraft(t *testing.T) {
	be := newFakeBackend()
	be.appendErr = apperr.ErrStoreUnavailable
	be.appendGate = make(chan struct{})
	c := openController(t, be, alice)

	c.Input(context.Background(), "first")
	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		errc <- err
	}()
	waitFor(t, "sending", func() bool { return c.State() == Sending })

	c.Input(context.Background(), "second")
	next := &model.MediaRef{URL: "/media/next.png", ContentType: "image/png"}
	c.AttachMedia(model.MessageTypeImage, next)
	if d := c.Draft(); d.Content != "second" || d.Media == nil {
		t.Fatalf("draft during send = %+v", d)
	}
	if c.State() != Sending {
		t.Fatalf("state = %v, want sending", c.State())
	}
	close(be.appendGate)
	if err := <-errc; !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("submit: %v", err)
	}
	// the failed draft does not overwrite what was typed meanwhile
	if d := c.Draft(); d.Content != "second" || d.Media == nil || d.Media.URL != next.URL {
		t.Fatalf("draft after failed send = %+v, want the one typed meanwhile", d)
	}
	if c.State() != Composing {
		t.Fatalf("state = %v, want composing", c.State())
	}
}
