package ws

import (
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/model"
)

type EventType string

// Client → server.
const (
	EventSubscribe      EventType = "subscribe"
	EventUnsubscribe    EventType = "unsubscribe"
	EventTyping         EventType = "typing"
	EventSending        EventType = "sending"
	EventSendMessage    EventType = "send_message"
	EventMarkRead       EventType = "mark_read"
	EventAddReaction    EventType = "add_reaction"
	EventRemoveReaction EventType = "remove_reaction"
	EventHeartbeat      EventType = "heartbeat"
)

// Server → client.
const (
	EventEvent        EventType = "event"
	EventAck          EventType = "ack"
	EventError        EventType = "error"
	EventUnsubscribed EventType = "unsubscribed"
)

const (
	StateStart = "start"
	StateStop  = "stop"
)

// IncomingMessage is what the client sends to the server.
// RequestID is echoed back in the matching ack or error.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`

	// Channel name, "dm:<peerID>" or a full conversation key.
	Conversation string `json:"conversation,omitempty"`
	Topic        string `json:"topic,omitempty"`

	// For typing / sending
	State string `json:"state,omitempty"`

	Message *model.Draft `json:"message,omitempty"`

	// For reactions
	MessageID int64  `json:"message_id,string,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type      EventType     `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	Topic     string        `json:"topic,omitempty"`
	Event     *fanout.Event `json:"event,omitempty"`
	Payload   any           `json:"payload,omitempty"`
	Error     string        `json:"error,omitempty"`
	Status    int           `json:"status,omitempty"`
}

// --- Typed ack payloads ---

// SubscribedPayload acknowledges a subscribe. Snapshot is the current presence
// projection when the topic is a presence topic.
type SubscribedPayload struct {
	Topic    string                 `json:"topic"`
	Snapshot []model.PresenceRecord `json:"snapshot,omitempty"`
}

type ReactionAckPayload struct {
	Reaction *model.Reaction `json:"reaction,omitempty"`
	Changed  bool            `json:"changed"`
}

type ReadAckPayload struct {
	Count int `json:"count"`
}
