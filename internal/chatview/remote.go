package chatview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/service"
	"github.com/blinders/internal/ws"
)

const (
	remoteFeedBuf  = 256
	requestTimeout = 15 * time.Second
	writeWait      = 10 * time.Second
	redialFirst    = 2 * time.Second
	redialMax      = 30 * time.Second
)

var ErrNotConnected = errors.New("chatview: websocket not connected")

// RemoteBackend talks to the API over HTTP for the log and over one websocket
// for subscriptions and presence. One websocket carries every Feed.
// A websocket that drops without Close is redialed with backoff; its feeds end,
// and the Controller resubscribes them once the new socket is up.
type RemoteBackend struct {
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer

	token string
	grant string

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu          sync.Mutex
	redialFirst time.Duration
	redialMax   time.Duration
	conn        *websocket.Conn
	connDone    chan struct{}
	pending     map[string]chan ws.OutgoingMessage
	feeds       map[string][]*remoteFeed
	dialing     bool
	closed      bool
	done        chan struct{}
}

func NewRemoteBackend(baseURL string, client *http.Client) (*RemoteBackend, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chatview: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chatview: base url must be http or https, got %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &RemoteBackend{
		base:        u,
		client:      client,
		dialer:      websocket.DefaultDialer,
		redialFirst: redialFirst,
		redialMax:   redialMax,
		pending:     make(map[string]chan ws.OutgoingMessage),
		feeds:       make(map[string][]*remoteFeed),
		done:        make(chan struct{}),
	}, nil
}

// SetCredentials installs a credential and unlock grant obtained elsewhere.
func (b *RemoteBackend) SetCredentials(token, grant string) {
	b.token, b.grant = token, grant
}

func (b *RemoteBackend) endpoint(path string, q url.Values) string {
	u := *b.base
	u.Path = b.base.Path + path
	u.RawPath = ""
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
// Non-2xx responses come back as apperr sentinels.
func (b *RemoteBackend) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("chatview: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.endpoint(path, q), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	if b.grant != "" {
		req.Header.Set("X-Unlock-Grant", b.grant)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("chatview: %s %s: %w", method, path, errors.Join(apperr.ErrStoreUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil {
			e.Error = strings.TrimSpace(string(data))
		}
		return apperr.FromStatus(resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chatview: decode %s: %w", path, err)
	}
	return nil
}

// Login obtains the long-lived credential. The session is still locked afterwards.
func (b *RemoteBackend) Login(ctx context.Context, blindersID, password string) (*service.LoginResult, error) {
	var res service.LoginResult
	err := b.do(ctx, http.MethodPost, "/api/auth/login", nil,
		map[string]string{"blinders_id": blindersID, "password": password}, &res)
	if err != nil {
		return nil, err
	}
	b.token = res.Token
	return &res, nil
}

func (b *RemoteBackend) Unlock(ctx context.Context, passcode string) error {
	var res service.UnlockResult
	if err := b.do(ctx, http.MethodPost, "/api/auth/unlock", nil, map[string]string{"passcode": passcode}, &res); err != nil {
		return err
	}
	b.grant = res.Grant
	return nil
}

// Principal returns the signed-in user as the server sees it.
func (b *RemoteBackend) Principal(ctx context.Context) (model.Principal, error) {
	var u model.UserPublic
	if err := b.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &u); err != nil {
		return model.Principal{}, err
	}
	return model.Principal{UserID: u.ID, Role: u.Role, DisplayName: u.DisplayName}, nil
}

func (b *RemoteBackend) Append(ctx context.Context, v View, d model.Draft) (model.Message, error) {
	var m model.Message
	err := b.do(ctx, http.MethodPost, "/api/conversations/"+v.Room()+"/messages", nil, d, &m)
	return m, err
}

func (b *RemoteBackend) ReadRange(ctx context.Context, v View, after model.Cursor, limit int) ([]model.Message, error) {
	q := url.Values{}
	if !after.IsZero() {
		q.Set("cursor", after.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page struct {
		Messages []model.Message `json:"messages"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/conversations/"+v.Room()+"/messages", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// Dial opens the websocket. Login and Unlock (or SetCredentials) must come first.
func (b *RemoteBackend) Dial(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.mu.Unlock()

	u := *b.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = b.base.Path + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.token)
	header.Set("X-Unlock-Grant", b.grant)

	conn, resp, err := b.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("chatview: dial: %w", apperr.FromStatus(resp.StatusCode, ""))
		}
		return fmt.Errorf("chatview: dial: %w", errors.Join(apperr.ErrStoreUnavailable, err))
	}
	done := make(chan struct{})
	b.mu.Lock()
	if b.closed || b.conn != nil {
		b.dialing = false
		b.mu.Unlock()
		_ = conn.Close()
		if b.closed {
			return ErrNotConnected
		}
		return nil
	}
	b.conn, b.connDone = conn, done
	b.dialing = false
	b.mu.Unlock()
	go b.readLoop(conn, done)
	return nil
}

func (b *RemoteBackend) readLoop(conn *websocket.Conn, done chan struct{}) {
	var err error
	for {
		var raw []byte
		_, raw, err = conn.ReadMessage()
		if err != nil {
			break
		}
		var msg ws.OutgoingMessage
		if jerr := json.Unmarshal(raw, &msg); jerr != nil {
			logger.Errorf("chatview: bad frame: %v", jerr)
			continue
		}
		b.dispatch(msg, done)
	}
	if b.drop(conn, err) {
		go b.redial()
	}
}

// drop forgets conn, ends its feeds and fails its pending requests. It reports
// whether the socket went away on its own and should be redialed.
func (b *RemoteBackend) drop(conn *websocket.Conn, err error) bool {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return false
	}
	b.conn = nil
	close(b.connDone)
	feeds := b.feeds
	b.feeds = make(map[string][]*remoteFeed)
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	again := !b.closed && !b.dialing
	if again {
		b.dialing = true
	}
	b.mu.Unlock()

	for _, fs := range feeds {
		for _, f := range fs {
			f.end()
		}
	}
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debugf("chatview: websocket closed: %v", err)
	}
	return again
}

// redial reconnects with doubling backoff until it succeeds, Close is called, or
// the server refuses the credential.
func (b *RemoteBackend) redial() {
	giveUp := func() {
		b.mu.Lock()
		b.dialing = false
		b.mu.Unlock()
	}
	b.mu.Lock()
	wait, maxWait := b.redialFirst, b.redialMax
	b.mu.Unlock()
	for attempt := 1; ; attempt++ {
		select {
		case <-b.done:
			giveUp()
			return
		case <-time.After(wait):
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := b.Dial(ctx)
		cancel()
		switch {
		case err == nil:
			logger.Infof("chatview: websocket reconnected after %d attempts", attempt)
			return
		case errors.Is(err, apperr.ErrUnauthenticated), errors.Is(err, apperr.ErrLocked), errors.Is(err, apperr.ErrForbidden):
			logger.Errorf("chatview: reconnect refused: %v", err)
			giveUp()
			return
		case errors.Is(err, ErrNotConnected):
			giveUp()
			return
		}
		logger.Errorf("chatview: reconnect failed, retry in %v: %v", wait, err)
		wait = min(wait*2, maxWait)
	}
}

func (b *RemoteBackend) dispatch(msg ws.OutgoingMessage, done <-chan struct{}) {
	switch msg.Type {
	case ws.EventEvent:
		if msg.Event == nil {
			return
		}
		b.mu.Lock()
		feeds := append([]*remoteFeed(nil), b.feeds[msg.Event.Topic]...)
		b.mu.Unlock()
		for _, f := range feeds {
			f.deliver(*msg.Event, done)
		}
	case ws.EventAck, ws.EventError:
		if msg.RequestID == "" {
			if msg.Type == ws.EventError {
				logger.Errorf("chatview: server error: %s", msg.Error)
			}
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[msg.RequestID]
		delete(b.pending, msg.RequestID)
		b.mu.Unlock()
		if ok {
			ch <- msg
		}
	case ws.EventUnsubscribed:
		b.mu.Lock()
		feeds := b.feeds[msg.Topic]
		delete(b.feeds, msg.Topic)
		b.mu.Unlock()
		for _, f := range feeds {
			f.end()
		}
	}
}

// Close drops the websocket for good and ends every Feed.
func (b *RemoteBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	b.writeMu.Unlock()
	err := conn.Close()
	b.drop(conn, nil)
	return err
}

func (b *RemoteBackend) send(msg ws.IncomingMessage) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// request sends msg with a fresh request id and waits for the matching ack or error.
func (b *RemoteBackend) request(ctx context.Context, msg ws.IncomingMessage) (ws.OutgoingMessage, error) {
	msg.RequestID = strconv.FormatUint(b.seq.Add(1), 10)
	ch := make(chan ws.OutgoingMessage, 1)
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return ws.OutgoingMessage{}, ErrNotConnected
	}
	b.pending[msg.RequestID] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, msg.RequestID)
		b.mu.Unlock()
	}
	if err := b.send(msg); err != nil {
		forget()
		return ws.OutgoingMessage{}, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return ws.OutgoingMessage{}, ErrNotConnected
		}
		if reply.Type == ws.EventError {
			return reply, apperr.FromStatus(reply.Status, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return ws.OutgoingMessage{}, ctx.Err()
	}
}

// Subscribe registers the feed before asking the server, so events that race the
// ack are not lost.
func (b *RemoteBackend) Subscribe(ctx context.Context, v View, topic string) (Feed, error) {
	f := &remoteFeed{backend: b, room: v.Room(), topic: topic, ch: make(chan fanout.Event, remoteFeedBuf), stop: make(chan struct{})}
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	first := len(b.feeds[topic]) == 0
	b.feeds[topic] = append(b.feeds[topic], f)
	b.mu.Unlock()

	if !first {
		return f, nil
	}
	if _, err := b.request(ctx, ws.IncomingMessage{Type: ws.EventSubscribe, Conversation: v.Room(), Topic: topic}); err != nil {
		b.detach(f)
		f.end()
		return nil, err
	}
	return f, nil
}

// detach removes f and reports whether it was the topic's last feed.
func (b *RemoteBackend) detach(f *remoteFeed) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs := b.feeds[f.topic]
	found := false
	for i, x := range fs {
		if x == f {
			fs = append(fs[:i], fs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// already ended by a drop or an unsubscribed frame
		return false
	}
	if len(fs) == 0 {
		delete(b.feeds, f.topic)
		return b.conn != nil
	}
	b.feeds[f.topic] = fs
	return false
}

func (b *RemoteBackend) presence(v View, typ ws.EventType, state string) error {
	return b.send(ws.IncomingMessage{Type: typ, Conversation: v.Room(), State: state})
}

func (b *RemoteBackend) Typing(_ context.Context, v View) error {
	return b.presence(v, ws.EventTyping, ws.StateStart)
}

func (b *RemoteBackend) StopTyping(_ context.Context, v View) error {
	return b.presence(v, ws.EventTyping, ws.StateStop)
}

func (b *RemoteBackend) BeginSend(_ context.Context, v View) error {
	return b.presence(v, ws.EventSending, ws.StateStart)
}

func (b *RemoteBackend) EndSend(_ context.Context, v View) error {
	return b.presence(v, ws.EventSending, ws.StateStop)
}

type remoteFeed struct {
	backend *RemoteBackend
	room    string
	topic   string
	ch      chan fanout.Event
	stop    chan struct{}
	once    sync.Once
	sendMu  sync.Mutex
}

func (f *remoteFeed) Events() <-chan fanout.Event { return f.ch }

// deliver blocks while the consumer is behind; the read loop is shared, so a
// stalled consumer stalls the connection rather than losing events.
func (f *remoteFeed) deliver(ev fanout.Event, done <-chan struct{}) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	select {
	case <-f.stop:
		return
	default:
	}
	select {
	case f.ch <- ev:
	case <-f.stop:
	case <-done:
	}
}

func (f *remoteFeed) end() {
	f.once.Do(func() {
		close(f.stop)
		f.sendMu.Lock()
		close(f.ch)
		f.sendMu.Unlock()
	})
}

// Close ends the feed and unsubscribes the topic when no other feed uses it.
func (f *remoteFeed) Close() {
	last := f.backend.detach(f)
	f.end()
	if last {
		if err := f.backend.send(ws.IncomingMessage{Type: ws.EventUnsubscribe, Conversation: f.room, Topic: f.topic}); err != nil && !errors.Is(err, ErrNotConnected) {
			logger.Debugf("chatview: unsubscribe %s: %v", f.topic, err)
		}
	}
}
