package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 256

	// inbound frames per second and burst, mostly to cap typing floods
	inboundRate  = 20
	inboundBurst = 40
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection of an unlocked principal.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [ReadPump, WritePump] -> Close -> Wait.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan OutgoingMessage
	principal model.Principal
	limiter   *rate.Limiter

	// scope owns every fan-out subscription of this connection.
	scope *fanout.Scope
	subMu sync.Mutex
	subs  map[string]*fanout.Subscription
	rooms map[string]struct{}

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
	fwd    sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, p model.Principal) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan OutgoingMessage, sendBufSize),
		principal: p,
		limiter:   rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		scope:     fanout.NewScope(hub.bus),
		subs:      make(map[string]*fanout.Subscription),
		rooms:     make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.principal.UserID }

// Start launches ReadPump and WritePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps and all subscription forwarders have exited.
func (c *Client) Wait() {
	c.wg.Wait()
	c.fwd.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.scope.Close()
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// subscribe forwards topic events into the send queue until the subscription ends.
// A second subscribe to the same topic is acknowledged without a new subscription.
func (c *Client) subscribe(ctx context.Context, topic string) error {
	c.subMu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.subMu.Unlock()
		return nil
	}
	c.subMu.Unlock()

	sub, err := c.scope.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	c.subMu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.subMu.Unlock()
		sub.Close()
		return nil
	}
	c.subs[topic] = sub
	c.subMu.Unlock()

	c.fwd.Add(1)
	go c.forward(sub)
	return nil
}

func (c *Client) forward(sub *fanout.Subscription) {
	defer c.fwd.Done()
	for ev := range sub.Events() {
		ev := ev
		c.hub.sendToClient(c, OutgoingMessage{Type: EventEvent, Topic: ev.Topic, Event: &ev})
	}

	c.subMu.Lock()
	if c.subs[sub.Topic()] == sub {
		delete(c.subs, sub.Topic())
	}
	c.subMu.Unlock()

	// the bus dropped us: tell the client so it can resubscribe and re-read
	if err := sub.Err(); err != nil && !errors.Is(err, fanout.ErrClosed) {
		c.hub.sendToClient(c, OutgoingMessage{Type: EventUnsubscribed, Topic: sub.Topic(), Error: err.Error()})
	}
}

func (c *Client) unsubscribe(topic string) bool {
	c.subMu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.subMu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

func (c *Client) joinRoom(room string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Client) leaveRoom(room string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *Client) joinedRooms() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// readPump reads messages from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or WritePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	uid := c.principal.UserID
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", uid, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.hub.tracker.HeartbeatAll(uid)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", uid, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", uid, err)
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Error: "malformed frame", Status: 400})
			continue
		}
		if !c.limiter.Allow() {
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, RequestID: msg.RequestID, Error: "rate limited", Status: 429})
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	uid := c.principal.UserID
	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message user=%s: %v", uid, err)
			}
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", uid, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", uid, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", uid, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
