package model

import (
	"errors"
	"strings"
)

type Channel string

const (
	ChannelAnnouncements Channel = "announcements"
	ChannelProfessional  Channel = "professional"
	ChannelStudy         Channel = "study"
)

// StaticChannels are provisioned once; direct messages are derived from user pairs.
var StaticChannels = []Channel{ChannelAnnouncements, ChannelProfessional, ChannelStudy}

func (c Channel) Valid() bool {
	for _, s := range StaticChannels {
		if c == s {
			return true
		}
	}
	return false
}

const dmPrefix = "dm:"

var ErrBadConversation = errors.New("invalid conversation")

// Conversation is either a static channel or an unordered pair of users.
type Conversation struct {
	Channel Channel
	pair    [2]string
}

func ChannelConversation(c Channel) Conversation {
	return Conversation{Channel: c}
}

// DirectConversation builds the DM conversation for a and b in either order.
func DirectConversation(a, b string) (Conversation, error) {
	if a == "" || b == "" || a == b {
		return Conversation{}, ErrBadConversation
	}
	if b < a {
		a, b = b, a
	}
	return Conversation{pair: [2]string{a, b}}, nil
}

// ParseConversation is the inverse of Key.
func ParseConversation(key string) (Conversation, error) {
	if rest, ok := strings.CutPrefix(key, dmPrefix); ok {
		a, b, ok := strings.Cut(rest, ":")
		if !ok {
			return Conversation{}, ErrBadConversation
		}
		return DirectConversation(a, b)
	}
	c := Channel(key)
	if !c.Valid() {
		return Conversation{}, ErrBadConversation
	}
	return ChannelConversation(c), nil
}

func (c Conversation) IsDM() bool { return c.pair[0] != "" }

func (c Conversation) IsZero() bool { return c.Channel == "" && !c.IsDM() }

// Participants returns the sorted DM pair, or nil for channels.
func (c Conversation) Participants() []string {
	if !c.IsDM() {
		return nil
	}
	return []string{c.pair[0], c.pair[1]}
}

func (c Conversation) HasParticipant(userID string) bool {
	return c.IsDM() && (c.pair[0] == userID || c.pair[1] == userID)
}

// Peer returns the other side of a DM pair for userID.
func (c Conversation) Peer(userID string) string {
	switch userID {
	case c.pair[0]:
		return c.pair[1]
	case c.pair[1]:
		return c.pair[0]
	}
	return ""
}

// Key is the storage key: the channel name or "dm:<lo>:<hi>".
func (c Conversation) Key() string {
	if c.IsDM() {
		return dmPrefix + c.pair[0] + ":" + c.pair[1]
	}
	return string(c.Channel)
}

func (c Conversation) String() string { return c.Key() }

// Fan-out topics derived from the conversation.
func (c Conversation) MessagesTopic() string {
	if c.IsDM() {
		return c.Key()
	}
	return "messages:" + c.Key()
}

func (c Conversation) ReactionsTopic() string { return "reactions:" + c.Key() }
func (c Conversation) TypingTopic() string    { return "typing:" + c.Key() }
func (c Conversation) SendingTopic() string   { return "sending:" + c.Key() }
func (c Conversation) PresenceTopic() string  { return "presence:" + c.Key() }

// OnlineRoom is the presence room every connected user joins; its membership is
// published on OnlineTopic.
const (
	OnlineRoom  = "online"
	OnlineTopic = "presence:online"
)

// Topics lists every fan-out topic that carries events for the conversation.
func (c Conversation) Topics() []string {
	return []string{c.MessagesTopic(), c.ReactionsTopic(), c.TypingTopic(), c.SendingTopic(), c.PresenceTopic()}
}

// ResolveConversation accepts the forms clients use in paths and ws frames:
// a channel name, "dm:<peerID>" relative to viewerID, or a full "dm:<lo>:<hi>" key.
func ResolveConversation(viewerID, raw string) (Conversation, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, dmPrefix); ok && !strings.Contains(rest, ":") {
		return DirectConversation(viewerID, rest)
	}
	return ParseConversation(raw)
}
