package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeVoice MessageType = "voice"
)

var (
	ErrEmptyMessage    = errors.New("content or media required")
	ErrUnknownType     = errors.New("unknown message type")
	ErrMediaNotAllowed = errors.New("text message cannot carry media")
	ErrMediaRequired   = errors.New("media reference required")
)

// MediaRef points at a blob already accepted by the upload gate.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// Body is the closed set of message payloads. Only NewBody constructs values,
// so every Body in the system is already valid for its type.
type Body interface {
	Type() MessageType
	// Text is the content or caption, possibly empty for media bodies.
	Text() string
	// Media is nil for text bodies.
	Media() *MediaRef
	isBody()
}

type TextBody struct{ Content string }

type ImageBody struct {
	Caption string
	Ref     MediaRef
}

type VideoBody struct {
	Caption string
	Ref     MediaRef
}

type VoiceBody struct {
	Caption string
	Ref     MediaRef
}

func (TextBody) Type() MessageType { return MessageTypeText }
func (b TextBody) Text() string    { return b.Content }
func (TextBody) Media() *MediaRef  { return nil }
func (TextBody) isBody()           {}

func (ImageBody) Type() MessageType  { return MessageTypeImage }
func (b ImageBody) Text() string     { return b.Caption }
func (b ImageBody) Media() *MediaRef { return refPtr(b.Ref) }
func (ImageBody) isBody()            {}

func (VideoBody) Type() MessageType  { return MessageTypeVideo }
func (b VideoBody) Text() string     { return b.Caption }
func (b VideoBody) Media() *MediaRef { return refPtr(b.Ref) }
func (VideoBody) isBody()            {}

func (VoiceBody) Type() MessageType  { return MessageTypeVoice }
func (b VoiceBody) Text() string     { return b.Caption }
func (b VoiceBody) Media() *MediaRef { return refPtr(b.Ref) }
func (VoiceBody) isBody()            {}

func refPtr(r MediaRef) *MediaRef { return &r }

// NewBody validates the combination of type, content and media.
// An empty type is inferred: text without media, otherwise the caller must say which media.
func NewBody(t MessageType, content string, media *MediaRef) (Body, error) {
	content = strings.TrimSpace(content)
	hasMedia := media != nil && strings.TrimSpace(media.URL) != ""
	if content == "" && !hasMedia {
		return nil, ErrEmptyMessage
	}
	if t == "" {
		if hasMedia {
			return nil, ErrUnknownType
		}
		t = MessageTypeText
	}
	var ref MediaRef
	if hasMedia {
		ref = MediaRef{URL: strings.TrimSpace(media.URL), ContentType: media.ContentType}
	}
	switch t {
	case MessageTypeText:
		if hasMedia {
			return nil, ErrMediaNotAllowed
		}
		return TextBody{Content: content}, nil
	case MessageTypeImage, MessageTypeVideo, MessageTypeVoice:
		if !hasMedia {
			return nil, ErrMediaRequired
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	switch t {
	case MessageTypeImage:
		return ImageBody{Caption: content, Ref: ref}, nil
	case MessageTypeVideo:
		return VideoBody{Caption: content, Ref: ref}, nil
	default:
		return VoiceBody{Caption: content, Ref: ref}, nil
	}
}

// Draft is the send input before validation.
type Draft struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
	Media   *MediaRef   `json:"media,omitempty"`
	ReplyTo int64       `json:"reply_to,string,omitempty"`
}

func (d Draft) Body() (Body, error) {
	return NewBody(d.Type, d.Content, d.Media)
}

// DraftOf turns a body back into a draft (used to restore input after a failed send).
func DraftOf(b Body, replyTo int64) Draft {
	return Draft{Type: b.Type(), Content: b.Text(), Media: b.Media(), ReplyTo: replyTo}
}

// Message is immutable after creation except for Read and its reactions.
type Message struct {
	ID           int64
	Conversation Conversation
	SenderID     string
	SenderName   string
	Body         Body
	ReplyTo      int64
	CreatedAt    time.Time
	Read         bool
	Reactions    []ReactionGroup
}

type messageJSON struct {
	ID           int64           `json:"id,string"`
	Conversation string          `json:"conversation"`
	SenderID     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name"`
	Type         MessageType     `json:"type"`
	Content      string          `json:"content"`
	Media        *MediaRef       `json:"media,omitempty"`
	ReplyTo      int64           `json:"reply_to,string,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Read         bool            `json:"read"`
	Reactions    []ReactionGroup `json:"reactions,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := messageJSON{
		ID:           m.ID,
		Conversation: m.Conversation.Key(),
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		ReplyTo:      m.ReplyTo,
		CreatedAt:    m.CreatedAt,
		Read:         m.Read,
		Reactions:    m.Reactions,
	}
	if m.Body != nil {
		w.Type = m.Body.Type()
		w.Content = m.Body.Text()
		w.Media = m.Body.Media()
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	conv, err := ParseConversation(w.Conversation)
	if err != nil {
		return fmt.Errorf("message %d: %w", w.ID, err)
	}
	body, err := NewBody(w.Type, w.Content, w.Media)
	if err != nil {
		return fmt.Errorf("message %d: %w", w.ID, err)
	}
	*m = Message{
		ID:           w.ID,
		Conversation: conv,
		SenderID:     w.SenderID,
		SenderName:   w.SenderName,
		Body:         body,
		ReplyTo:      w.ReplyTo,
		CreatedAt:    w.CreatedAt,
		Read:         w.Read,
		Reactions:    w.Reactions,
	}
	return nil
}

// Cursor marks a position in a conversation log. Reads return messages strictly after it.
type Cursor struct {
	At time.Time
	ID int64
}

func CursorOf(m Message) Cursor { return Cursor{At: m.CreatedAt, ID: m.ID} }

func (c Cursor) IsZero() bool { return c.At.IsZero() && c.ID == 0 }

// Precedes reports whether m sorts after the cursor.
func (c Cursor) Precedes(m Message) bool {
	if c.IsZero() {
		return true
	}
	if !m.CreatedAt.Equal(c.At) {
		return m.CreatedAt.After(c.At)
	}
	return m.ID > c.ID
}

// String encodes the cursor as "<unix-micro>_<id>".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.At.UnixMicro(), 10) + "_" + strconv.FormatInt(c.ID, 10)
}

func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, id, ok := strings.Cut(s, "_")
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	us, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor{At: time.UnixMicro(us).UTC(), ID: n}, nil
}

// NextCursor returns the cursor after the last message, or prev when msgs is empty.
func NextCursor(prev Cursor, msgs []Message) Cursor {
	if len(msgs) == 0 {
		return prev
	}
	return CursorOf(msgs[len(msgs)-1])
}

// DMThread summarises one direct conversation for the conversations list.
type DMThread struct {
	PeerID        string    `json:"peer_id"`
	PeerName      string    `json:"peer_name,omitempty"`
	LastMessageID int64     `json:"last_message_id,string"`
	LastAt        time.Time `json:"last_at"`
	Unread        int       `json:"unread"`
}

// ReadReceipt is published when a DM participant reads incoming messages.
type ReadReceipt struct {
	Conversation string `json:"conversation"`
	ReaderID     string `json:"reader_id"`
	Count        int    `json:"count"`
}
