package ws

import (
	"context"
	"sync"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/metrics"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/policy"
	"github.com/blinders/internal/presence"
	"github.com/blinders/internal/service"
)

const handleTimeout = 5 * time.Second

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	bus       fanout.Bus
	tracker   *presence.Tracker
	messages  *service.MessageService
	reactions *service.ReactionService

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	bus fanout.Bus,
	tracker *presence.Tracker,
	messages *service.MessageService,
	reactions *service.ReactionService,
	maxConns int,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		bus:        bus,
		tracker:    tracker,
		messages:   messages,
		reactions:  reactions,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	uid := c.UserID()
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, uid)
		c.Close()
		return
	}
	if _, ok := h.clients[uid]; !ok {
		h.clients[uid] = make(map[*Client]struct{})
	}
	h.clients[uid][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	h.tracker.Track(model.OnlineRoom, uid, c.principal.DisplayName)
}

func (h *Hub) removeClient(c *Client) {
	uid := c.UserID()
	h.mu.Lock()
	clients, ok := h.clients[uid]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, uid)
	}
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		h.tracker.UntrackAll(uid)
		return
	}
	// other tabs stay online; drop only the rooms no remaining tab has open
	for _, room := range c.joinedRooms() {
		if !h.roomOpen(uid, room) {
			h.tracker.Untrack(room, uid)
		}
	}
}

func (h *Hub) roomOpen(uid, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for other := range h.clients[uid] {
		other.subMu.Lock()
		_, ok := other.rooms[room]
		other.subMu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// Connected reports the number of open connections of userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// DisconnectUser closes every connection of userID (deactivation, logout everywhere).
func (h *Hub) DisconnectUser(userID string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Close()
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSubscribe:
		h.handleSubscribe(ctx, c, msg)
	case EventUnsubscribe:
		h.handleUnsubscribe(c, msg)
	case EventTyping:
		h.handleTyping(c, msg)
	case EventSending:
		h.handleSending(c, msg)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, msg)
	case EventAddReaction:
		h.handleAddReaction(ctx, c, msg)
	case EventRemoveReaction:
		h.handleRemoveReaction(ctx, c, msg)
	case EventHeartbeat:
		n := h.tracker.HeartbeatAll(c.UserID())
		h.ack(c, msg, map[string]int{"rooms": n})
	default:
		h.fail(c, msg, apperr.Validation("unknown event type"))
	}
}

func (h *Hub) ack(c *Client, msg IncomingMessage, payload any) {
	if msg.RequestID == "" {
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventAck, RequestID: msg.RequestID, Payload: payload})
}

func (h *Hub) fail(c *Client, msg IncomingMessage, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		logger.Errorf("ws %s user=%s: %v", msg.Type, c.UserID(), err)
	}
	h.sendToClient(c, OutgoingMessage{Type: EventError, RequestID: msg.RequestID, Error: apperr.Message(err), Status: status})
}

func (h *Hub) conversation(c *Client, msg IncomingMessage, action policy.Action) (model.Conversation, error) {
	conv, err := model.ResolveConversation(c.UserID(), msg.Conversation)
	if err != nil {
		return model.Conversation{}, apperr.Validation("unknown conversation")
	}
	if err := policy.Authorize(c.principal, conv, action); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// topicAllowed reports whether topic belongs to conv.
func topicAllowed(conv model.Conversation, topic string) bool {
	for _, t := range conv.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()
	topic := msg.Topic
	if topic == model.OnlineTopic {
		if err := c.subscribe(ctx, topic); err != nil {
			h.fail(c, msg, err)
			return
		}
		h.ack(c, msg, SubscribedPayload{Topic: topic, Snapshot: h.tracker.Snapshot(model.OnlineRoom, model.PresenceOnline, c.UserID())})
		return
	}

	conv, err := h.conversation(c, msg, policy.ActionRead)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	if topic == "" {
		topic = conv.MessagesTopic()
	}
	if !topicAllowed(conv, topic) {
		h.fail(c, msg, apperr.Validation("topic does not belong to conversation"))
		return
	}
	if err := c.subscribe(ctx, topic); err != nil {
		h.fail(c, msg, err)
		return
	}

	room := conv.Key()
	out := SubscribedPayload{Topic: topic}
	switch topic {
	case conv.MessagesTopic():
		if c.joinRoom(room) {
			h.tracker.Track(room, c.UserID(), c.principal.DisplayName)
		}
	case conv.TypingTopic():
		out.Snapshot = h.tracker.Snapshot(room, model.PresenceTyping, c.UserID())
	case conv.SendingTopic():
		out.Snapshot = h.tracker.Snapshot(room, model.PresenceSending, c.UserID())
	case conv.PresenceTopic():
		out.Snapshot = h.tracker.Snapshot(room, model.PresenceOnline, c.UserID())
	}
	h.ack(c, msg, out)
}

func (h *Hub) handleUnsubscribe(c *Client, msg IncomingMessage) {
	if !c.unsubscribe(msg.Topic) {
		h.ack(c, msg, SubscribedPayload{Topic: msg.Topic})
		return
	}
	if conv, err := model.ResolveConversation(c.UserID(), msg.Conversation); err == nil && msg.Topic == conv.MessagesTopic() {
		room := conv.Key()
		if c.leaveRoom(room) && !h.roomOpen(c.UserID(), room) {
			h.tracker.Untrack(room, c.UserID())
		}
	}
	h.ack(c, msg, SubscribedPayload{Topic: msg.Topic})
}

func (h *Hub) handleTyping(c *Client, msg IncomingMessage) {
	conv, err := h.conversation(c, msg, policy.ActionPost)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	if msg.State == StateStop {
		h.tracker.StopTyping(conv.Key(), c.UserID())
	} else {
		h.tracker.Typing(conv.Key(), c.UserID(), c.principal.DisplayName)
	}
	h.ack(c, msg, nil)
}

func (h *Hub) handleSending(c *Client, msg IncomingMessage) {
	conv, err := h.conversation(c, msg, policy.ActionPost)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	if msg.State == StateStop {
		h.tracker.EndSend(conv.Key(), c.UserID())
	} else {
		h.tracker.BeginSend(conv.Key(), c.UserID(), c.principal.DisplayName)
	}
	h.ack(c, msg, nil)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.Message == nil {
		h.fail(c, msg, apperr.Validation("message required"))
		return
	}
	conv, err := model.ResolveConversation(c.UserID(), msg.Conversation)
	if err != nil {
		h.fail(c, msg, apperr.Validation("unknown conversation"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	m, err := h.messages.Append(ctx, c.principal, conv, *msg.Message)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, m)
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg IncomingMessage) {
	conv, err := model.ResolveConversation(c.UserID(), msg.Conversation)
	if err != nil {
		h.fail(c, msg, apperr.Validation("unknown conversation"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	n, err := h.messages.MarkDMRead(ctx, c.principal, conv)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, ReadAckPayload{Count: n})
}

func (h *Hub) handleAddReaction(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.MessageID == 0 {
		h.fail(c, msg, apperr.Validation("message_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	r, created, err := h.reactions.Add(ctx, c.principal, msg.MessageID, msg.Emoji)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, ReactionAckPayload{Reaction: &r, Changed: created})
}

func (h *Hub) handleRemoveReaction(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.MessageID == 0 {
		h.fail(c, msg, apperr.Validation("message_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	removed, err := h.reactions.Remove(ctx, c.principal, msg.MessageID, msg.Emoji)
	if err != nil {
		h.fail(c, msg, err)
		return
	}
	h.ack(c, msg, ReactionAckPayload{Changed: removed})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.UserID())
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
