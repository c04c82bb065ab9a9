// Package fanout is the realtime broadcast bus. Publishers push events to a topic,
// current subscribers receive them asynchronously. There is no replay.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	KindMessageCreated  = "message.created"
	KindMessagesRead    = "message.read"
	KindReactionAdded   = "reaction.added"
	KindReactionRemoved = "reaction.removed"
	KindPresenceSync    = "presence.sync"
)

var (
	ErrClosed         = errors.New("fanout: bus closed")
	ErrSlowSubscriber = errors.New("fanout: subscriber buffer full")
	ErrScopeClosed    = errors.New("fanout: scope closed")
)

// Event is delivered at least once. Consumers dedupe on ID.
type Event struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Kind  string          `json:"kind"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes payload. An empty id gets a random one.
func NewEvent(topic, kind, id string, payload any) (Event, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ev := Event{ID: id, Topic: topic, Kind: kind, At: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("fanout.NewEvent %s: %w", kind, err)
		}
		ev.Data = data
	}
	return ev, nil
}

func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("fanout: event %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// Bus is implemented by Local and by the Redis and Kafka bridges.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}
