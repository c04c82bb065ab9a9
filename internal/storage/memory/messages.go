package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

// MessageLog держит сообщения по ключу разговора, отсортированными по (created_at, id).
type MessageLog struct {
	mu    sync.RWMutex
	convs map[string][]model.Message
	byID  map[int64]string
}

func NewMessageLog() *MessageLog {
	return &MessageLog{
		convs: make(map[string][]model.Message),
		byID:  make(map[int64]string),
	}
}

func less(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (l *MessageLog) Append(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byID[m.ID]; dup {
		return nil
	}
	key := m.Conversation.Key()
	msgs := l.convs[key]
	i := sort.Search(len(msgs), func(i int) bool { return less(m, msgs[i]) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	m.Reactions = nil
	msgs[i] = m
	l.convs[key] = msgs
	l.byID[m.ID] = key
	return nil
}

func (l *MessageLog) Range(ctx context.Context, c model.Conversation, after model.Cursor, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	msgs := l.convs[c.Key()]
	i := sort.Search(len(msgs), func(i int) bool { return after.Precedes(msgs[i]) })
	end := len(msgs)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]model.Message, end-i)
	copy(out, msgs[i:end])
	return out, nil
}

func (l *MessageLog) Get(ctx context.Context, id int64) (model.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key, ok := l.byID[id]
	if !ok {
		return model.Message{}, storage.ErrNotFound
	}
	for _, m := range l.convs[key] {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Message{}, storage.ErrNotFound
}

func (l *MessageLog) MarkRead(ctx context.Context, c model.Conversation, readerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.convs[c.Key()]
	n := 0
	for i := range msgs {
		if msgs[i].SenderID != readerID && !msgs[i].Read {
			msgs[i].Read = true
			n++
		}
	}
	return n, nil
}

func (l *MessageLog) Threads(ctx context.Context, userID string) ([]model.DMThread, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.DMThread
	for key, msgs := range l.convs {
		conv, err := model.ParseConversation(key)
		if err != nil || !conv.HasParticipant(userID) || len(msgs) == 0 {
			continue
		}
		last := msgs[len(msgs)-1]
		t := model.DMThread{PeerID: conv.Peer(userID), LastMessageID: last.ID, LastAt: last.CreatedAt}
		for _, m := range msgs {
			if m.SenderID != userID && !m.Read {
				t.Unread++
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].LastAt.After(out[j].LastAt)
		}
		return out[i].LastMessageID > out[j].LastMessageID
	})
	return out, nil
}
