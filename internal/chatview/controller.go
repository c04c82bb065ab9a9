// Package chatview drives one open conversation on the client side: the message
// list, the composer and the presence indicators. A Controller is bound to a single
// View for its whole life; opening another conversation means a new Controller.
package chatview

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/presence"
)

const (
	pageSize         = 100
	maxHistory       = 5000
	defaultEchoWait  = 3 * time.Second
	defaultTypingGap = time.Second
	endSendTimeout   = 2 * time.Second
	resubscribeFirst = 2 * time.Second
	resubscribeMax   = 30 * time.Second
)

var (
	ErrBusy   = errors.New("chatview: send already in progress")
	ErrClosed = errors.New("chatview: view closed")
)

// View is the explicit context every backend call carries.
type View struct {
	Principal    model.Principal
	Conversation model.Conversation
}

func (v View) Room() string { return v.Conversation.Key() }

// Feed is one topic subscription. *fanout.Subscription satisfies it.
type Feed interface {
	Events() <-chan fanout.Event
	Close()
}

// Backend is what the controller needs from the server. LocalBackend calls the
// services in process, RemoteBackend goes over HTTP and the websocket.
type Backend interface {
	Append(ctx context.Context, v View, d model.Draft) (model.Message, error)
	ReadRange(ctx context.Context, v View, after model.Cursor, limit int) ([]model.Message, error)
	Subscribe(ctx context.Context, v View, topic string) (Feed, error)
	Typing(ctx context.Context, v View) error
	StopTyping(ctx context.Context, v View) error
	BeginSend(ctx context.Context, v View) error
	EndSend(ctx context.Context, v View) error
}

type State int

const (
	Idle State = iota
	Composing
	Sending
)

func (s State) String() string {
	switch s {
	case Composing:
		return "composing"
	case Sending:
		return "sending"
	default:
		return "idle"
	}
}

type Option func(*Controller)

// WithEchoWait bounds how long Submit waits for its own message to come back over
// the fan-out before falling back to a fresh read.
func WithEchoWait(d time.Duration) Option { return func(c *Controller) { c.echoWait = d } }

// WithTypingGap sets the minimum interval between typing assertions while composing.
func WithTypingGap(d time.Duration) Option { return func(c *Controller) { c.typingGap = d } }

// WithOnChange registers a callback run after every visible state change.
// It is called without the controller lock held.
func WithOnChange(fn func()) Option { return func(c *Controller) { c.onChange = fn } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithResubscribeBackoff sets the first and the largest pause between attempts to
// resubscribe a feed that ended while the view was open.
func WithResubscribeBackoff(first, max time.Duration) Option {
	return func(c *Controller) {
		if first > 0 {
			c.retryFirst = first
		}
		if max >= first {
			c.retryMax = max
		}
	}
}

// heldRecord is a presence record with the local time it stops counting.
type heldRecord struct {
	rec   model.PresenceRecord
	until time.Time
}

type Controller struct {
	view View
	be   Backend

	echoWait   time.Duration
	typingGap  time.Duration
	retryFirst time.Duration
	retryMax   time.Duration
	onChange   func()
	now        func() time.Time

	// ctx outlives the Open call and is cancelled by Close; background
	// resubscribes and reconciles run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	draft   model.Draft
	msgs    []model.Message
	seen    map[int64]struct{}
	waiters map[int64]chan struct{}
	// presence holds the last sync per kind and origin instance.
	presence   map[model.PresenceKind]map[string][]heldRecord
	lastTyping time.Time
	feeds      []Feed
	opened     bool
	closed     bool

	wg sync.WaitGroup
}

func New(v View, be Backend, opts ...Option) *Controller {
	c := &Controller{
		view:       v,
		be:         be,
		echoWait:   defaultEchoWait,
		typingGap:  defaultTypingGap,
		retryFirst: resubscribeFirst,
		retryMax:   resubscribeMax,
		now:        time.Now,
		seen:       make(map[int64]struct{}),
		waiters:    make(map[int64]chan struct{}),
		presence:   make(map[model.PresenceKind]map[string][]heldRecord),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Controller) View() View { return c.view }

func (c *Controller) topics() []string {
	room := c.view.Room()
	return []string{
		c.view.Conversation.MessagesTopic(),
		c.view.Conversation.ReactionsTopic(),
		presence.TopicFor(room, model.PresenceTyping),
		presence.TopicFor(room, model.PresenceSending),
	}
}

// Open subscribes before the first read so nothing published in between is lost;
// duplicates from the overlap are dropped by id.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.mu.Unlock()

	for _, topic := range c.topics() {
		f, err := c.be.Subscribe(ctx, c.view, topic)
		if err != nil {
			c.Close()
			return err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			f.Close()
			return ErrClosed
		}
		c.feeds = append(c.feeds, f)
		c.wg.Add(1)
		c.mu.Unlock()
		go c.consume(topic, f)
	}
	return c.Reconcile(ctx)
}

// consume applies events from f. When the feed ends while the view is still open
// (the server dropped a slow subscriber, the websocket went away) the topic is
// resubscribed and the list re-read, since events in the gap are lost.
func (c *Controller) consume(topic string, f Feed) {
	defer c.wg.Done()
	for {
		for ev := range f.Events() {
			c.handle(ev)
		}
		next, ok := c.resubscribe(topic, f)
		if !ok {
			return
		}
		f = next
		if err := c.Reconcile(c.ctx); err != nil && !errors.Is(err, ErrClosed) && c.ctx.Err() == nil {
			logger.Errorf("chatview: reconcile after resubscribe %s: %v", topic, err)
		}
	}
}

// resubscribe replaces old with a fresh feed for topic, retrying with doubling
// backoff. It gives up when the view is closed or access is refused for good.
func (c *Controller) resubscribe(topic string, old Feed) (Feed, bool) {
	wait := c.retryFirst
	for attempt := 1; ; attempt++ {
		if c.ctx.Err() != nil {
			return nil, false
		}
		f, err := c.be.Subscribe(c.ctx, c.view, topic)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				f.Close()
				return nil, false
			}
			replaced := false
			for i := range c.feeds {
				if c.feeds[i] == old {
					c.feeds[i] = f
					replaced = true
					break
				}
			}
			if !replaced {
				c.feeds = append(c.feeds, f)
			}
			c.mu.Unlock()
			if attempt > 1 {
				logger.Infof("chatview: %s resubscribed after %d attempts", topic, attempt)
			}
			return f, true
		}
		if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrUnauthenticated) || errors.Is(err, apperr.ErrLocked) {
			logger.Errorf("chatview: resubscribe %s refused: %v", topic, err)
			return nil, false
		}
		if c.ctx.Err() != nil {
			return nil, false
		}
		logger.Debugf("chatview: resubscribe %s failed, retry in %v: %v", topic, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return nil, false
		case <-t.C:
		}
		wait = min(wait*2, c.retryMax)
	}
}

// Close releases every subscription. Events that arrive afterwards are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	feeds := c.feeds
	c.feeds = nil
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	c.wg.Wait()
}

func (c *Controller) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

func (c *Controller) handle(ev fanout.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var ok bool
	switch ev.Kind {
	case fanout.KindMessageCreated:
		var m model.Message
		if err := ev.Decode(&m); err != nil {
			logger.Errorf("chatview: decode %s: %v", ev.ID, err)
			return
		}
		ok = c.insert(m)
	case fanout.KindMessagesRead:
		var r model.ReadReceipt
		if err := ev.Decode(&r); err != nil {
			logger.Errorf("chatview: decode %s: %v", ev.ID, err)
			return
		}
		ok = c.markRead(r)
	case fanout.KindReactionAdded, fanout.KindReactionRemoved:
		var r model.ReactionUpdate
		if err := ev.Decode(&r); err != nil {
			logger.Errorf("chatview: decode %s: %v", ev.ID, err)
			return
		}
		ok = c.setReactions(r)
	case fanout.KindPresenceSync:
		var s presence.Sync
		if err := ev.Decode(&s); err != nil {
			logger.Errorf("chatview: decode %s: %v", ev.ID, err)
			return
		}
		ok = c.setPresence(s)
	default:
		logger.Debugf("chatview: ignore %s on %s", ev.Kind, ev.Topic)
	}
	if ok {
		c.changed()
	}
}

func (c *Controller) insert(m model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || m.Conversation.Key() != c.view.Room() {
		return false
	}
	if _, dup := c.seen[m.ID]; dup {
		return false
	}
	c.seen[m.ID] = struct{}{}
	i := sort.Search(len(c.msgs), func(i int) bool { return !model.CursorOf(c.msgs[i]).Precedes(m) })
	c.msgs = append(c.msgs, model.Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = m
	if ch, ok := c.waiters[m.ID]; ok {
		close(ch)
		delete(c.waiters, m.ID)
	}
	c.trimLocked()
	return true
}

// trimLocked keeps the newest maxHistory messages.
func (c *Controller) trimLocked() {
	if extra := len(c.msgs) - maxHistory; extra > 0 {
		for _, m := range c.msgs[:extra] {
			delete(c.seen, m.ID)
		}
		c.msgs = append([]model.Message(nil), c.msgs[extra:]...)
	}
}

func (c *Controller) markRead(r model.ReadReceipt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || r.Conversation != c.view.Room() {
		return false
	}
	n := 0
	for i := range c.msgs {
		if c.msgs[i].SenderID != r.ReaderID && !c.msgs[i].Read {
			c.msgs[i].Read = true
			n++
		}
	}
	return n > 0
}

func (c *Controller) setReactions(r model.ReactionUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || r.Conversation != c.view.Room() {
		return false
	}
	for i := range c.msgs {
		if c.msgs[i].ID == r.MessageID {
			c.msgs[i].Reactions = r.Groups
			return true
		}
	}
	return false
}

// setPresence replaces what one origin instance reported for the sync's kind.
// Records from other instances stay, so a user typing on another api instance
// does not vanish when this one publishes. Deadlines are converted to local time
// using the sync's own timestamp, so clock skew between hosts does not matter.
func (c *Controller) setPresence(s presence.Sync) bool {
	if s.Kind != model.PresenceTyping && s.Kind != model.PresenceSending {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || s.Room != c.view.Room() {
		return false
	}
	received := c.now()
	held := make([]heldRecord, 0, len(s.Records))
	for _, r := range s.Records {
		if r.UserID == c.view.Principal.UserID {
			continue
		}
		h := heldRecord{rec: r}
		if !r.ExpiresAt.IsZero() && !s.At.IsZero() {
			h.until = received.Add(r.ExpiresAt.Sub(s.At))
		}
		held = append(held, h)
	}
	byOrigin := c.presence[s.Kind]
	if byOrigin == nil {
		byOrigin = make(map[string][]heldRecord)
		c.presence[s.Kind] = byOrigin
	}
	if len(held) == 0 {
		delete(byOrigin, s.Origin)
	} else {
		byOrigin[s.Origin] = held
	}
	return true
}

// projectLocked merges every origin's records for kind, dropping expired ones.
func (c *Controller) projectLocked(kind model.PresenceKind) []model.PresenceRecord {
	now := c.now()
	seen := make(map[string]bool)
	var out []model.PresenceRecord
	for _, held := range c.presence[kind] {
		for _, h := range held {
			if !h.until.IsZero() && !now.Before(h.until) {
				continue
			}
			if seen[h.rec.UserID] {
				continue
			}
			seen[h.rec.UserID] = true
			out = append(out, h.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Reconcile re-reads the conversation and replaces the local list with its newest
// maxHistory messages. The durable log wins over anything accumulated from events.
func (c *Controller) Reconcile(ctx context.Context) error {
	defer logger.DeferLogDuration("chatview.Reconcile", time.Now())()
	var (
		all    []model.Message
		cursor model.Cursor
	)
	for {
		page, err := c.be.ReadRange(ctx, c.view, cursor, pageSize)
		if err != nil {
			return err
		}
		all = append(all, page...)
		if len(all) >= 2*maxHistory {
			all = append([]model.Message(nil), all[len(all)-maxHistory:]...)
		}
		if len(page) < pageSize {
			break
		}
		cursor = model.NextCursor(cursor, page)
	}
	if len(all) > maxHistory {
		all = all[len(all)-maxHistory:]
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	// Events that landed during the read and are newer than it are kept.
	last := model.NextCursor(model.Cursor{}, all)
	var tail []model.Message
	for _, m := range c.msgs {
		if last.Precedes(m) {
			tail = append(tail, m)
		}
	}
	c.msgs = append(all, tail...)
	if extra := len(c.msgs) - maxHistory; extra > 0 {
		c.msgs = c.msgs[extra:]
	}
	c.seen = make(map[int64]struct{}, len(c.msgs))
	for _, m := range c.msgs {
		c.seen[m.ID] = struct{}{}
		if ch, ok := c.waiters[m.ID]; ok {
			close(ch)
			delete(c.waiters, m.ID)
		}
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// Input replaces the composer text and asserts typing, throttled to one call per gap.
func (c *Controller) Input(ctx context.Context, text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.draft.Content = text
	if c.state == Sending {
		// the next draft; typing waits until the send settles
		c.mu.Unlock()
		c.changed()
		return
	}
	wasComposing := c.state == Composing
	c.state = c.composeState()
	assert := c.state == Composing && c.now().Sub(c.lastTyping) >= c.typingGap
	if assert {
		c.lastTyping = c.now()
	}
	stop := wasComposing && c.state == Idle
	if stop {
		c.lastTyping = time.Time{}
	}
	c.mu.Unlock()

	switch {
	case assert:
		if err := c.be.Typing(ctx, c.view); err != nil {
			logger.Errorf("chatview: typing: %v", err)
		}
	case stop:
		if err := c.be.StopTyping(ctx, c.view); err != nil {
			logger.Errorf("chatview: stop typing: %v", err)
		}
	}
	c.changed()
}

// AttachMedia sets (or with nil clears) the pending media and its type.
func (c *Controller) AttachMedia(t model.MessageType, ref *model.MediaRef) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if ref == nil {
		c.draft.Type, c.draft.Media = "", nil
	} else {
		r := *ref
		c.draft.Type, c.draft.Media = t, &r
	}
	if c.state != Sending {
		c.state = c.composeState()
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) ReplyTo(id int64) {
	c.mu.Lock()
	c.draft.ReplyTo = id
	c.mu.Unlock()
}

func (c *Controller) composeState() State {
	if c.draft.Content == "" && c.draft.Media == nil {
		return Idle
	}
	return Composing
}

// Submit sends the composer content. The input is cleared as soon as the send
// starts and nothing is inserted locally: the message appears when the fan-out
// echoes it, or after a fresh read if no echo arrives in time. On failure the
// draft is put back and the error returned.
func (c *Controller) Submit(ctx context.Context) (model.Message, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return model.Message{}, ErrClosed
	case c.state == Sending:
		c.mu.Unlock()
		return model.Message{}, ErrBusy
	}
	d := c.draft
	if _, err := d.Body(); err != nil {
		c.mu.Unlock()
		return model.Message{}, apperr.Validation(err.Error())
	}
	c.state = Sending
	c.draft = model.Draft{}
	c.lastTyping = time.Time{}
	c.mu.Unlock()
	c.changed()

	failed := true
	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSendTimeout)
		defer cancel()
		if err := c.be.EndSend(endCtx, c.view); err != nil {
			logger.Errorf("chatview: end send: %v", err)
		}
		c.mu.Lock()
		if failed {
			c.restore(d)
		}
		c.state = c.composeState()
		c.mu.Unlock()
		c.changed()
	}()

	if err := c.be.BeginSend(ctx, c.view); err != nil {
		logger.Errorf("chatview: begin send: %v", err)
	}
	m, err := c.be.Append(ctx, c.view, d)
	if err != nil {
		return model.Message{}, err
	}
	failed = false

	if !c.awaitEcho(ctx, m.ID) {
		if err := c.Reconcile(ctx); err != nil && !errors.Is(err, ErrClosed) {
			logger.Errorf("chatview: reconcile after send: %v", err)
		}
	}
	return m, nil
}

// restore puts the failed draft back, field by field, unless the user already
// typed or attached something new while it was being sent.
func (c *Controller) restore(d model.Draft) {
	if c.draft.Content == "" {
		c.draft.Content = d.Content
	}
	if c.draft.Media == nil {
		c.draft.Type, c.draft.Media = d.Type, d.Media
	}
	if c.draft.ReplyTo == 0 {
		c.draft.ReplyTo = d.ReplyTo
	}
}

func (c *Controller) awaitEcho(ctx context.Context, id int64) bool {
	c.mu.Lock()
	if _, ok := c.seen[id]; ok {
		c.mu.Unlock()
		return true
	}
	if c.closed {
		c.mu.Unlock()
		return true
	}
	ch, ok := c.waiters[id]
	if !ok {
		ch = make(chan struct{})
		c.waiters[id] = ch
	}
	c.mu.Unlock()

	t := time.NewTimer(c.echoWait)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
	case <-t.C:
	}
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
	return false
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Draft() model.Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Messages returns a copy ordered by (created_at, id).
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.msgs...)
}

// Typing lists other participants currently typing. The viewer is never included.
func (c *Controller) Typing() []model.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectLocked(model.PresenceTyping)
}

func (c *Controller) Sending() []model.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectLocked(model.PresenceSending)
}
